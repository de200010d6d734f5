package observability

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"", "", zapcore.InfoLevel},
		{"debug", FormatJSON, zapcore.DebugLevel},
		{"WARN", FormatConsole, zapcore.WarnLevel},
		{"error", "json", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		logger, err := NewLogger(tt.level, tt.format)
		require.NoError(t, err)
		require.True(t, logger.Core().Enabled(tt.want))
		require.False(t, logger.Core().Enabled(tt.want-1))
	}
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewLogger("loud", FormatJSON)
	require.Error(t, err)

	_, err = NewLogger("info", "xml")
	require.Error(t, err)
}
