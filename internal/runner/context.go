package runner

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// idleRetry is how long a forwarder sleeps after an empty read while the
// task is still running.
const idleRetry = time.Millisecond

// Context is the per-run handle given to a Runnable's Start. It lets the
// task register byte sources and observe cancellation.
type Context struct {
	id  RunID
	log zerolog.Logger

	out  chan<- Output
	stop <-chan struct{}
	done func() bool

	killed   chan struct{}
	killOnce sync.Once

	chunk     int
	limit     int64
	sent      atomic.Int64
	items     atomic.Int64
	bytes     atomic.Int64
	truncated atomic.Bool

	forwarders errgroup.Group
}

// ID returns the run's identifier.
func (c *Context) ID() RunID { return c.id }

// Logger returns a logger scoped to this run.
func (c *Context) Logger() *zerolog.Logger { return &c.log }

// Killed returns a channel closed when the run is asked to stop.
func (c *Context) Killed() <-chan struct{} { return c.killed }

// Forward starts forwarding r into the run's output stream, tagged as src.
// It must be called from Start. r is closed when forwarding ends, if it is
// an io.Closer.
func (c *Context) Forward(src Source, r io.Reader) {
	c.forwarders.Go(func() error {
		c.forward(src, r)
		return nil
	})
}

func (c *Context) kill() {
	c.killOnce.Do(func() { close(c.killed) })
}

func (c *Context) forward(src Source, r io.Reader) {
	if cl, ok := r.(io.Closer); ok {
		defer cl.Close()
	}
	log := c.log.With().Stringer("source", src).Logger()
	buf := make([]byte, c.chunk)
	warned := false
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := c.clip(buf[:n])
			if data == nil {
				continue
			}
			select {
			case c.out <- Output{Source: src, Data: data}:
				c.items.Add(1)
				c.bytes.Add(int64(len(data)))
			case <-c.stop:
				return
			}
			continue
		}
		if err != nil && !isClosed(err) && !warned {
			log.Warn().Err(err).Msg("read failed, treating as end of stream")
			warned = true
		}
		if c.done() {
			return
		}
		select {
		case <-c.stop:
			return
		case <-time.After(idleRetry):
		}
	}
}

// clip copies p, applying the per-run byte cap. It returns nil when the cap
// is already exhausted.
func (c *Context) clip(p []byte) []byte {
	if c.limit <= 0 {
		return append([]byte(nil), p...)
	}
	n := int64(len(p))
	prev := c.sent.Add(n) - n
	switch {
	case prev >= c.limit:
		c.truncated.Store(true)
		return nil
	case prev+n > c.limit:
		c.truncated.Store(true)
		return append([]byte(nil), p[:c.limit-prev]...)
	default:
		return append([]byte(nil), p...)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
