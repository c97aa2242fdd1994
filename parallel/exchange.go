package parallel

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Mode selects how a halo exchange orders its sends and receives
type Mode uint8

const (
	// Blocking sends to every neighbour, then receives. It relies on the
	// transport buffering at least one message per neighbour.
	Blocking Mode = iota
	// Scheduled pairs ranks in neighbour order; the lower rank of each pair
	// sends first. Completes without any buffering.
	Scheduled
	// NonBlocking posts every receive and send, then waits for all of them
	NonBlocking
)

func (m Mode) String() string {
	return [...]string{"blocking", "scheduled", "nonBlocking"}[m]
}

var ModeMap = map[string]Mode{
	"blocking":    Blocking,
	"scheduled":   Scheduled,
	"nonblocking": NonBlocking,
}

func ParseMode(name string) (Mode, error) {
	if m, ok := ModeMap[strings.ToLower(strings.TrimSpace(name))]; ok {
		return m, nil
	}
	return Blocking, fmt.Errorf("unknown communication mode %q", name)
}

// Halo is the per processor patch exchange buffer. Send holds NComp values per
// local face in local face order; after Exchange, Recv holds the neighbour's
// values for the same faces, also in local face order.
type Halo struct {
	NeighbourRank int
	NComp         int
	Send          []float64
	// RemoteFaceOrder[i] is the neighbour's position for local face i, nil
	// when both sides enumerate the shared faces identically
	RemoteFaceOrder []int
	Recv            []float64
}

func (h *Halo) nComp() int {
	if h.NComp < 1 {
		return 1
	}
	return h.NComp
}

// reorder moves the neighbour's buffer into local face order
func (h *Halo) reorder(remote []float64) {
	nc := h.nComp()
	if h.RemoteFaceOrder == nil {
		h.Recv = remote
		return
	}
	h.Recv = make([]float64, len(remote))
	for i, j := range h.RemoteFaceOrder {
		copy(h.Recv[i*nc:(i+1)*nc], remote[j*nc:(j+1)*nc])
	}
}

// Exchange swaps the Send buffers of every halo with the matching neighbour.
// All ranks must call Exchange with the same tag and mode. Any failure is
// fatal and wraps ErrCommunicationFailure.
func Exchange(ctx context.Context, comm Communicator, tag int, halos []*Halo, mode Mode) (err error) {
	if len(halos) == 0 {
		return nil
	}
	order := make([]int, len(halos))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return halos[order[i]].NeighbourRank < halos[order[j]].NeighbourRank
	})
	recv := func(h *Halo, data []float64) error {
		if len(data) != len(h.Send) {
			return &CommError{Rank: comm.Rank(), Peer: h.NeighbourRank, Tag: tag, Op: "exchange",
				Err: fmt.Errorf("received %d values, expected %d", len(data), len(h.Send))}
		}
		h.reorder(data)
		return nil
	}
	switch mode {
	case Blocking:
		for _, i := range order {
			h := halos[i]
			if err = comm.Send(ctx, h.NeighbourRank, tag, h.Send); err != nil {
				return
			}
		}
		for _, i := range order {
			h := halos[i]
			var data []float64
			if data, err = comm.Recv(ctx, h.NeighbourRank, tag); err != nil {
				return
			}
			if err = recv(h, data); err != nil {
				return
			}
		}
	case Scheduled:
		for _, i := range order {
			h := halos[i]
			var data []float64
			if comm.Rank() < h.NeighbourRank {
				if err = comm.Send(ctx, h.NeighbourRank, tag, h.Send); err != nil {
					return
				}
				if data, err = comm.Recv(ctx, h.NeighbourRank, tag); err != nil {
					return
				}
			} else {
				if data, err = comm.Recv(ctx, h.NeighbourRank, tag); err != nil {
					return
				}
				if err = comm.Send(ctx, h.NeighbourRank, tag, h.Send); err != nil {
					return
				}
			}
			if err = recv(h, data); err != nil {
				return
			}
		}
	case NonBlocking:
		var (
			recvs = make([]*Request, len(halos))
			sends = make([]*Request, len(halos))
		)
		for _, i := range order {
			recvs[i] = comm.IRecv(ctx, halos[i].NeighbourRank, tag)
		}
		for _, i := range order {
			sends[i] = comm.ISend(ctx, halos[i].NeighbourRank, tag, halos[i].Send)
		}
		for _, i := range order {
			data, e := recvs[i].Wait()
			if e == nil {
				e = recv(halos[i], data)
			}
			if e != nil && err == nil {
				err = e
			}
		}
		if e := WaitAll(sends); e != nil && err == nil {
			err = e
		}
	default:
		return fmt.Errorf("unknown communication mode %d", mode)
	}
	return
}
