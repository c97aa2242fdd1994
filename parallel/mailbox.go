package parallel

import (
	"context"
	"fmt"
)

// MailBox connects NP threads with one channel per ordered (sender, receiver)
// pair, so messages between two threads arrive in the order they were posted.
// Depth is the number of messages a channel holds before Post blocks.
type MailBox[T any] struct {
	NP           int
	Depth        int
	MessageChans [][]chan T // [sender][receiver]
}

func NewMailBox[T any](NP, depth int) *MailBox[T] {
	mb := &MailBox[T]{
		NP:           NP,
		Depth:        depth,
		MessageChans: make([][]chan T, NP),
	}
	for n := 0; n < NP; n++ {
		mb.MessageChans[n] = make([]chan T, NP)
		for m := 0; m < NP; m++ {
			mb.MessageChans[n][m] = make(chan T, depth)
		}
	}
	return mb
}

func (mb *MailBox[T]) checkThreads(myThread, targetThread int) error {
	if myThread < 0 || myThread >= mb.NP || targetThread < 0 || targetThread >= mb.NP {
		return fmt.Errorf("thread pair (%d, %d) out of bounds [0,%d)", myThread, targetThread, mb.NP)
	}
	return nil
}

// PostMessage blocks until the channel to targetThread accepts msg or the
// context ends
func (mb *MailBox[T]) PostMessage(ctx context.Context, myThread, targetThread int, msg T) error {
	if err := mb.checkThreads(myThread, targetThread); err != nil {
		return err
	}
	select {
	case mb.MessageChans[myThread][targetThread] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveMessage takes the next message sent by fromThread to myThread
func (mb *MailBox[T]) ReceiveMessage(ctx context.Context, myThread, fromThread int) (msg T, err error) {
	if err = mb.checkThreads(myThread, fromThread); err != nil {
		return
	}
	select {
	case msg = <-mb.MessageChans[fromThread][myThread]:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return
}
