package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

// copyTask relays one stage's output into the next stage's input. The input
// is closed when the output ends, so the downstream process sees EOF exactly
// when it would with a shared descriptor.
type copyTask struct {
	src    io.Reader
	dst    io.WriteCloser
	logger *slog.Logger

	done       chan struct{}
	n          int64
	err        error
	cancelOnce sync.Once
}

func startCopy(src io.Reader, dst io.WriteCloser, logger *slog.Logger) *copyTask {
	t := &copyTask{
		src:    src,
		dst:    dst,
		logger: logger,
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *copyTask) run() {
	defer close(t.done)

	t.n, t.err = io.Copy(t.dst, t.src)
	if err := t.dst.Close(); err != nil && !errors.Is(err, os.ErrClosed) && t.err == nil {
		t.err = err
	}

	if t.err != nil && !isClosedErr(t.err) {
		t.logger.Debug("stage link ended", "bytes", t.n, "err", t.err)
		return
	}
	t.logger.Debug("stage link ended", "bytes", t.n)
}

// cancel closes both ends, which unblocks a pending read or write, and waits
// for the task to return.
func (t *copyTask) cancel() {
	t.cancelOnce.Do(func() {
		if c, ok := t.src.(io.Closer); ok {
			_ = c.Close()
		}
		_ = t.dst.Close()
	})
	<-t.done
}

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
