package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/remedy"
	"github.com/luciancaetano/remedy/internal/protocol"
	"github.com/luciancaetano/remedy/internal/shard"
)

type fakeRunner struct {
	id      int
	run     func(ctx context.Context) error
	resume  *shard.ResumeState
	latency time.Duration

	mu   sync.Mutex
	sent []protocol.Opcode
}

func (f *fakeRunner) ID() int { return f.id }

func (f *fakeRunner) Run(ctx context.Context) error {
	if f.run == nil {
		<-ctx.Done()
		return nil
	}
	return f.run(ctx)
}

func (f *fakeRunner) State() shard.State {
	return shard.State{ID: f.id, Status: shard.StatusReady}
}

func (f *fakeRunner) ResumeState() *shard.ResumeState { return f.resume }

func (f *fakeRunner) Latency() (time.Duration, bool) {
	return f.latency, f.latency > 0
}

func (f *fakeRunner) Send(ctx context.Context, op protocol.Opcode, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, op)
	return nil
}

func blocking(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func newSupervisor(t *testing.T, count int, factory Factory) *Supervisor {
	t.Helper()
	s, err := New(&Config{
		Count:      count,
		Factory:    factory,
		MinRestart: 10 * time.Millisecond,
		MaxRestart: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func stop(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	factory := func(id int, _ *shard.ResumeState) (Runner, error) { return &fakeRunner{id: id}, nil }

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil", nil},
		{"no factory", &Config{Count: 1}},
		{"no shards", &Config{Count: 0, Factory: factory}},
		{"id out of range", &Config{Count: 2, ShardIDs: []int{2}, Factory: factory}},
		{"duplicate id", &Config{Count: 2, ShardIDs: []int{1, 1}, Factory: factory}},
	}

	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestShardFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, ShardFor(41771983423143937, 2))
	require.Equal(t, 6, ShardFor(41771983423143937, 16))
	require.Equal(t, 2, ShardFor(81384788765712384, 16))
	require.Equal(t, 0, ShardFor(81384788765712384, 0))
}

func TestRestartsCrashedShardWithResumeState(t *testing.T) {
	t.Parallel()

	var (
		calls   atomic.Int32
		resumes = make(chan *shard.ResumeState, 4)
	)
	s := newSupervisor(t, 1, func(id int, resume *shard.ResumeState) (Runner, error) {
		resumes <- resume
		if calls.Add(1) == 1 {
			return &fakeRunner{
				id:     id,
				resume: &shard.ResumeState{SessionID: "S", Seq: 5},
				run:    func(context.Context) error { return errors.New("boom") },
			}, nil
		}
		return &fakeRunner{id: id, run: blocking}, nil
	})

	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	require.Nil(t, <-resumes)
	select {
	case r := <-resumes:
		require.Equal(t, &shard.ResumeState{SessionID: "S", Seq: 5}, r)
	case <-time.After(time.Second):
		t.Fatal("shard was not restarted")
	}
}

func TestPanickingShardIsRestarted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	restarted := make(chan struct{})
	s := newSupervisor(t, 1, func(id int, _ *shard.ResumeState) (Runner, error) {
		switch calls.Add(1) {
		case 1:
			return &fakeRunner{id: id, run: func(context.Context) error { panic("consumer bug") }}, nil
		case 2:
			close(restarted)
		}
		return &fakeRunner{id: id, run: blocking}, nil
	})

	require.NoError(t, s.Start(context.Background()))
	defer stop(t, s)

	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("shard was not restarted after a panic")
	}
}

func TestFatalErrorStopsOnlyThatShard(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t, 2, func(id int, _ *shard.ResumeState) (Runner, error) {
		if id == 1 {
			return &fakeRunner{id: id, run: func(context.Context) error {
				return &remedy.ShardError{ShardID: 1, Code: protocol.CloseInvalidShard, Reason: "invalid shard"}
			}}, nil
		}
		return &fakeRunner{id: id, run: blocking}, nil
	})

	require.NoError(t, s.Start(context.Background()))

	select {
	case err := <-s.Errors():
		require.Equal(t, 1, err.ShardID)
		require.False(t, err.AccountLevel())
	case <-time.After(time.Second):
		t.Fatal("fatal error was not reported")
	}

	// Shard 0 keeps running.
	require.NoError(t, s.Send(context.Background(), 0, protocol.OpPresenceUpdate, nil))

	stop(t, s)

	err := s.Wait()
	var shardErr *remedy.ShardError
	require.True(t, errors.As(err, &shardErr))
	require.Equal(t, protocol.CloseInvalidShard, shardErr.Code)

	_, open := <-s.Errors()
	require.False(t, open)
}

func TestAccountLevelFailureStopsAllShards(t *testing.T) {
	t.Parallel()

	var stopped atomic.Int32
	s := newSupervisor(t, 3, func(id int, _ *shard.ResumeState) (Runner, error) {
		if id == 0 {
			return &fakeRunner{id: id, run: func(context.Context) error {
				return &remedy.ShardError{ShardID: 0, Code: protocol.CloseAuthenticationFailed}
			}}, nil
		}
		return &fakeRunner{id: id, run: func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Add(1)
			return nil
		}}, nil
	})

	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, int32(2), stopped.Load())
	case <-time.After(time.Second):
		t.Fatal("account level failure did not stop the supervisor")
	}
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t, 2, func(id int, _ *shard.ResumeState) (Runner, error) {
		return &fakeRunner{id: id, latency: time.Duration(id+1) * time.Millisecond}, nil
	})

	require.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
	require.ErrorIs(t, s.Wait(), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.ErrorIs(t, s.Send(context.Background(), 5, protocol.OpPresenceUpdate, nil), ErrShardNotFound)
	require.Equal(t, map[int]time.Duration{0: time.Millisecond, 1: 2 * time.Millisecond}, s.Latencies())
	require.Len(t, s.States(), 2)
	require.Equal(t, []int{0, 1}, s.IDs())

	stop(t, s)
	require.NoError(t, s.Wait())
}

func TestStartFailsWhenFactoryFails(t *testing.T) {
	t.Parallel()

	s := newSupervisor(t, 1, func(id int, _ *shard.ResumeState) (Runner, error) {
		return nil, errors.New("bad config")
	})
	require.Error(t, s.Start(context.Background()))
}
