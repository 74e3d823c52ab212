package ring

import (
	"time"

	"github.com/pkg/errors"

	"github.com/pcl-projects/STRN/ml/grads"
	"github.com/pcl-projects/STRN/ml/params"
)

// ErrPullTimeout is returned (wrapped) by an edge pull that exceeded the
// group's configured timeout, usually meaning a ring peer crashed or
// stalled.
var ErrPullTimeout = errors.New("timed out waiting for gradient slice from ring predecessor")

// wireSlice is what actually travels over an edge: a deep copy of the
// deposited slice, optionally packed to half precision.
type wireSlice struct {
	values params.Values
	packed [][]uint16
}

// Edge is the bounded FIFO hand-off between a worker and its ring successor.
// The single-slot buffer gives deposit-then-pull its lock-step ordering: a
// worker cannot run ahead before its successor consumed the previous slice.
type Edge struct {
	config GroupConfig
	slot   chan wireSlice
}

// deposit stages vs for the ring successor, blocking while the slot is
// occupied. The slice is copied (or packed), so the depositor is free to
// keep mutating its buffer.
func (e *Edge) deposit(vs params.Values) {
	var ws wireSlice
	if e.config.compress {
		ws.packed = make([][]uint16, len(vs))
		for i, v := range vs {
			ws.packed[i] = grads.PackFloat16(v)
		}
	} else {
		ws.values = vs.Clone()
	}
	e.slot <- ws
}

// pull retrieves the next deposited slice, blocking until one is available
// or, when the group has a pull timeout, until the timeout expires.
func (e *Edge) pull() (params.Values, error) {
	var ws wireSlice
	if e.config.pullTimeout <= 0 {
		ws = <-e.slot
	} else {
		timer := time.NewTimer(e.config.pullTimeout)
		defer timer.Stop()
		select {
		case ws = <-e.slot:
		case <-timer.C:
			return nil, errors.WithStack(ErrPullTimeout)
		}
	}
	if ws.packed != nil {
		vs := make(params.Values, len(ws.packed))
		for i, p := range ws.packed {
			vs[i] = grads.UnpackFloat16(p)
		}
		return vs, nil
	}
	return ws.values, nil
}
