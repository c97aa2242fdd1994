package parallel

import (
	"context"
	"fmt"
	"math"
)

// Op is a commutative, associative reduction
type Op uint8

const (
	Sum Op = iota
	Max
	Min
	Prod
)

func (op Op) String() string {
	return [...]string{"sum", "max", "min", "prod"}[op]
}

func (op Op) apply(a, b float64) float64 {
	switch op {
	case Max:
		return math.Max(a, b)
	case Min:
		return math.Min(a, b)
	case Prod:
		return a * b
	default:
		return a + b
	}
}

// Reserved tags; halo exchanges use non-negative tags
const (
	tagReduce = -1 - iota
	tagBroadcast
)

// GlobalReduce combines one value across all ranks. Every rank receives the
// identical result.
func GlobalReduce(ctx context.Context, comm Communicator, value float64, op Op) (float64, error) {
	v := []float64{value}
	if err := GlobalReduceSlice(ctx, comm, v, op); err != nil {
		return 0, err
	}
	return v[0], nil
}

// GlobalReduceSlice reduces values element-wise in place. Below
// Tuning.AllReduceThreshold ranks, rank 0 gathers from every rank in rank
// order and sends the result back; at or above it a binomial tree reduces to
// rank 0 and broadcasts. Both paths combine in a fixed order, so results are
// reproducible run to run.
func GlobalReduceSlice(ctx context.Context, comm Communicator, values []float64, op Op) error {
	if comm.Size() == 1 {
		return nil
	}
	if comm.Size() < comm.Tuning().AllReduceThreshold {
		return masterSlaveReduce(ctx, comm, values, op)
	}
	return treeReduce(ctx, comm, values, op)
}

func combine(ctx context.Context, comm Communicator, from int, values []float64, op Op) error {
	data, err := comm.Recv(ctx, from, tagReduce)
	if err != nil {
		return err
	}
	if len(data) != len(values) {
		return &CommError{Rank: comm.Rank(), Peer: from, Tag: tagReduce, Op: "reduce",
			Err: fmt.Errorf("received %d values, expected %d", len(data), len(values))}
	}
	for i := range values {
		values[i] = op.apply(values[i], data[i])
	}
	return nil
}

func receiveResult(ctx context.Context, comm Communicator, from int, values []float64) error {
	data, err := comm.Recv(ctx, from, tagBroadcast)
	if err != nil {
		return err
	}
	if len(data) != len(values) {
		return &CommError{Rank: comm.Rank(), Peer: from, Tag: tagBroadcast, Op: "broadcast",
			Err: fmt.Errorf("received %d values, expected %d", len(data), len(values))}
	}
	copy(values, data)
	return nil
}

func masterSlaveReduce(ctx context.Context, comm Communicator, values []float64, op Op) error {
	if comm.Rank() != 0 {
		if err := comm.Send(ctx, 0, tagReduce, values); err != nil {
			return err
		}
		return receiveResult(ctx, comm, 0, values)
	}
	for r := 1; r < comm.Size(); r++ {
		if err := combine(ctx, comm, r, values, op); err != nil {
			return err
		}
	}
	for r := 1; r < comm.Size(); r++ {
		if err := comm.Send(ctx, r, tagBroadcast, values); err != nil {
			return err
		}
	}
	return nil
}

func treeReduce(ctx context.Context, comm Communicator, values []float64, op Op) error {
	var (
		rank = comm.Rank()
		size = comm.Size()
	)
	for mask := 1; mask < size; mask <<= 1 {
		if rank&mask != 0 {
			if err := comm.Send(ctx, rank-mask, tagReduce, values); err != nil {
				return err
			}
			break
		}
		if rank+mask < size {
			if err := combine(ctx, comm, rank+mask, values, op); err != nil {
				return err
			}
		}
	}
	top := 1
	for top < size {
		top <<= 1
	}
	for mask := top >> 1; mask >= 1; mask >>= 1 {
		switch rank % (2 * mask) {
		case 0:
			if rank+mask < size {
				if err := comm.Send(ctx, rank+mask, tagBroadcast, values); err != nil {
					return err
				}
			}
		case mask:
			if err := receiveResult(ctx, comm, rank-mask, values); err != nil {
				return err
			}
		}
	}
	return nil
}

// Barrier returns once every rank has entered it
func Barrier(ctx context.Context, comm Communicator) error {
	_, err := GlobalReduce(ctx, comm, 0, Sum)
	return err
}
