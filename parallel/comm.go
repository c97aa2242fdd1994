package parallel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCommunicationFailure is fatal: a rank that cannot complete a halo
// exchange or reduction leaves the distributed state inconsistent
var ErrCommunicationFailure = errors.New("communication failure")

// CommError records the rank pair and tag of a failed operation
type CommError struct {
	Rank, Peer, Tag int
	Op              string
	Err             error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("%s: rank %d %s peer %d tag %d: %v",
		ErrCommunicationFailure, e.Rank, e.Op, e.Peer, e.Tag, e.Err)
}

func (e *CommError) Unwrap() []error { return []error{ErrCommunicationFailure, e.Err} }

// Communicator is the point-to-point transport seen by one rank
type Communicator interface {
	Rank() int
	Size() int
	ID() uuid.UUID
	Tuning() Tuning
	// Send returns once the message is handed to the transport
	Send(ctx context.Context, to, tag int, data []float64) error
	// Recv returns the first message from a peer carrying tag. Messages with
	// other tags are held back for later receives.
	Recv(ctx context.Context, from, tag int) ([]float64, error)
	ISend(ctx context.Context, to, tag int, data []float64) *Request
	IRecv(ctx context.Context, from, tag int) *Request
}

// Request is an outstanding non-blocking operation
type Request struct {
	done chan struct{}
	data []float64
	err  error
}

func newRequest(fn func() ([]float64, error)) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		r.data, r.err = fn()
		close(r.done)
	}()
	return r
}

// Wait blocks until the operation completes. For receives the payload is
// returned, sends return nil data.
func (r *Request) Wait() ([]float64, error) {
	<-r.done
	return r.data, r.err
}

// WaitAll waits for every request and returns the first error
func WaitAll(reqs []*Request) (err error) {
	for _, r := range reqs {
		if _, e := r.Wait(); e != nil && err == nil {
			err = e
		}
	}
	return
}
