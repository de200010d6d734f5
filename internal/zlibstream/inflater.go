// Package zlibstream inflates the gateway's zlib-stream transport compression.
//
// The server compresses the whole connection as one zlib stream and ends every
// message with a sync flush (00 00 ff ff). A message may span several frames.
// Back references may point into earlier messages, so the inflate context must
// persist between messages.
package zlibstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// windowSize is the deflate history a back reference may reach.
	windowSize = 32 * 1024
	// maxPending bounds buffered input of an unfinished message.
	maxPending = 16 * 1024 * 1024
)

var syncFlush = []byte{0x00, 0x00, 0xff, 0xff}

// ErrCorrupt is returned when the stream cannot be inflated. The context is
// unusable afterwards.
var ErrCorrupt = errors.New("corrupt zlib stream")

// Inflater holds the inflate context of one gateway session.
// It is not safe for concurrent use.
type Inflater struct {
	pending []byte
	history []byte
	started bool
	broken  bool

	src *bytes.Reader
	fr  io.ReadCloser
	out bytes.Buffer
}

// New returns an Inflater expecting the start of a zlib stream.
func New() *Inflater {
	return &Inflater{src: bytes.NewReader(nil)}
}

// Inflate feeds one frame. It returns the decompressed message and true once
// the frame completes a message, or nil and false while more frames are
// needed. The returned slice is valid until the next call.
func (z *Inflater) Inflate(frame []byte) ([]byte, bool, error) {
	if z.broken {
		return nil, false, ErrCorrupt
	}

	z.pending = append(z.pending, frame...)
	if len(z.pending) > maxPending {
		return nil, false, z.fail(fmt.Errorf("unfinished message exceeds %d bytes", maxPending))
	}
	if !bytes.HasSuffix(z.pending, syncFlush) {
		return nil, false, nil
	}

	input := z.pending
	z.pending = z.pending[:0]

	if !z.started {
		if err := checkHeader(input); err != nil {
			return nil, false, z.fail(err)
		}
		input = input[2:]
		z.started = true
	}

	msg, err := z.inflate(input)
	if err != nil {
		return nil, false, z.fail(err)
	}
	return msg, true, nil
}

// inflate decodes one sync-flushed segment. The segment ends on a byte
// boundary, so a fresh decompressor primed with the previous output as its
// dictionary continues the stream exactly. Running out of input right after
// the flush marker is the expected end of the segment.
func (z *Inflater) inflate(input []byte) ([]byte, error) {
	z.src.Reset(input)
	if z.fr == nil {
		z.fr = flate.NewReaderDict(z.src, z.history)
	} else if err := z.fr.(flate.Resetter).Reset(z.src, z.history); err != nil {
		return nil, err
	}

	z.out.Reset()
	_, err := z.out.ReadFrom(z.fr)
	switch {
	case err == nil:
		// A final block ended the stream; nothing may follow.
		z.broken = true
	case errors.Is(err, io.ErrUnexpectedEOF) && z.src.Len() == 0:
	default:
		return nil, err
	}

	msg := z.out.Bytes()
	z.remember(msg)
	return msg, nil
}

func (z *Inflater) remember(msg []byte) {
	if len(msg) >= windowSize {
		z.history = append(z.history[:0], msg[len(msg)-windowSize:]...)
		return
	}
	z.history = append(z.history, msg...)
	if over := len(z.history) - windowSize; over > 0 {
		z.history = append(z.history[:0], z.history[over:]...)
	}
}

func (z *Inflater) fail(err error) error {
	z.broken = true
	z.pending = nil
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}

// Reconnected prepares the context for a new connection of the same session.
// The stream header is expected again and frames buffered from the old
// connection are dropped. The inflate window is kept.
func (z *Inflater) Reconnected() {
	z.pending = z.pending[:0]
	z.started = false
	z.broken = false
}

// Reset discards all state, including the window.
func (z *Inflater) Reset() {
	z.Reconnected()
	z.history = z.history[:0]
	z.out.Reset()
}

// Broken reports whether a previous call failed.
func (z *Inflater) Broken() bool {
	return z.broken
}

func checkHeader(b []byte) error {
	if len(b) < 2 {
		return errors.New("missing zlib header")
	}
	cmf, flg := b[0], b[1]
	if cmf&0x0f != 8 || cmf>>4 > 7 {
		return fmt.Errorf("unsupported zlib compression method %#x", cmf)
	}
	if (uint16(cmf)<<8|uint16(flg))%31 != 0 {
		return errors.New("bad zlib header checksum")
	}
	if flg&0x20 != 0 {
		return errors.New("zlib preset dictionary not supported")
	}
	return nil
}
