package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBufferDepth        = 16
	DefaultAllReduceThreshold = 8
)

// Tuning carries the transport parameters a run is configured with
type Tuning struct {
	// Messages buffered per (sender, receiver) pair before a send blocks.
	// Zero models a system without buffering, where only scheduled or
	// non-blocking exchanges complete.
	BufferDepth int
	// Rank counts at or above this use the tree all-reduce
	AllReduceThreshold int
}

func DefaultTuning() Tuning {
	return Tuning{
		BufferDepth:        DefaultBufferDepth,
		AllReduceThreshold: DefaultAllReduceThreshold,
	}
}

type message struct {
	from, tag int
	comm      uuid.UUID
	data      []float64
}

// World runs Size ranks as goroutines in one process. A World is used for a
// single Run; once aborted every communication fails.
type World struct {
	size   int
	id     uuid.UUID
	tuning Tuning
	mb     *MailBox[*message]
	comms  []*rankComm
	Logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// RankFunc is the body executed by every rank
type RankFunc func(ctx context.Context, comm Communicator) error

func NewWorld(size int, tuning Tuning) (w *World, err error) {
	if size < 1 {
		return nil, fmt.Errorf("world size must be positive, have %d", size)
	}
	if tuning.BufferDepth < 0 {
		return nil, fmt.Errorf("negative buffer depth %d", tuning.BufferDepth)
	}
	if tuning.AllReduceThreshold < 2 {
		tuning.AllReduceThreshold = DefaultAllReduceThreshold
	}
	w = &World{
		size:   size,
		id:     uuid.New(),
		tuning: tuning,
		mb:     NewMailBox[*message](size, tuning.BufferDepth),
		comms:  make([]*rankComm, size),
		Logger: slog.Default().With("component", "parallel"),
	}
	w.ctx, w.cancel = context.WithCancelCause(context.Background())
	for r := 0; r < size; r++ {
		w.comms[r] = &rankComm{
			w:       w,
			rank:    r,
			mu:      make([]sync.Mutex, size),
			pending: make([][]*message, size),
		}
	}
	return
}

// Serial returns the communicator of a one-rank world
func Serial() Communicator {
	w, _ := NewWorld(1, DefaultTuning())
	return w.Comm(0)
}

func (w *World) Size() int      { return w.size }
func (w *World) ID() uuid.UUID  { return w.id }
func (w *World) Tuning() Tuning { return w.tuning }

func (w *World) Comm(rank int) Communicator { return w.comms[rank] }

// Abort tears down every rank: blocked and future operations fail with
// ErrCommunicationFailure. The first cause is kept.
func (w *World) Abort(cause error) {
	if cause == nil {
		cause = errors.New("world aborted")
	}
	w.cancel(cause)
}

// Run executes fn on every rank and waits for all of them. The first rank to
// fail aborts the world; its error is returned.
func (w *World) Run(ctx context.Context, fn RankFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < w.size; r++ {
		comm := w.comms[r]
		g.Go(func() error {
			if err := fn(gctx, comm); err != nil {
				err = fmt.Errorf("rank %d: %w", r, err)
				w.Abort(err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	if cause := context.Cause(w.ctx); cause != nil {
		w.Logger.Error("world aborted", "id", w.id, "cause", cause)
		return cause
	}
	return err
}

// merge ties an operation context to the lifetime of the world
func (w *World) merge(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(w.ctx, func() { cancel(context.Cause(w.ctx)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

type rankComm struct {
	w    *World
	rank int

	mu      []sync.Mutex // per sender
	pending [][]*message // per sender, received out of tag order
}

func (c *rankComm) Rank() int      { return c.rank }
func (c *rankComm) Size() int      { return c.w.size }
func (c *rankComm) ID() uuid.UUID  { return c.w.id }
func (c *rankComm) Tuning() Tuning { return c.w.tuning }

func (c *rankComm) fail(op string, peer, tag int, err error) error {
	return &CommError{Rank: c.rank, Peer: peer, Tag: tag, Op: op, Err: err}
}

func (c *rankComm) Send(ctx context.Context, to, tag int, data []float64) error {
	if to < 0 || to >= c.w.size || to == c.rank {
		return c.fail("send", to, tag, fmt.Errorf("invalid destination rank"))
	}
	ctx, cancel := c.w.merge(ctx)
	defer cancel()
	msg := &message{from: c.rank, tag: tag, comm: c.w.id, data: append([]float64(nil), data...)}
	if err := c.w.mb.PostMessage(ctx, c.rank, to, msg); err != nil {
		return c.fail("send", to, tag, context.Cause(ctx))
	}
	return nil
}

func (c *rankComm) Recv(ctx context.Context, from, tag int) ([]float64, error) {
	if from < 0 || from >= c.w.size || from == c.rank {
		return nil, c.fail("recv", from, tag, fmt.Errorf("invalid source rank"))
	}
	ctx, cancel := c.w.merge(ctx)
	defer cancel()
	c.mu[from].Lock()
	defer c.mu[from].Unlock()
	for i, m := range c.pending[from] {
		if m.tag == tag {
			c.pending[from] = append(c.pending[from][:i], c.pending[from][i+1:]...)
			return m.data, nil
		}
	}
	for {
		m, err := c.w.mb.ReceiveMessage(ctx, c.rank, from)
		if err != nil {
			return nil, c.fail("recv", from, tag, context.Cause(ctx))
		}
		if m.comm != c.w.id {
			return nil, c.fail("recv", from, tag, fmt.Errorf("message from communicator %s", m.comm))
		}
		if m.tag == tag {
			return m.data, nil
		}
		c.pending[from] = append(c.pending[from], m)
	}
}

func (c *rankComm) ISend(ctx context.Context, to, tag int, data []float64) *Request {
	data = append([]float64(nil), data...)
	return newRequest(func() ([]float64, error) {
		return nil, c.Send(ctx, to, tag, data)
	})
}

func (c *rankComm) IRecv(ctx context.Context, from, tag int) *Request {
	return newRequest(func() ([]float64, error) {
		return c.Recv(ctx, from, tag)
	})
}
