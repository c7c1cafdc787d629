// Package rpcstats defines the profiling-counter collaborator boundary
// spec.md §1 names as out of scope: the metadata service only ever calls
// the Recorder interface, never a concrete metrics backend.
package rpcstats

import (
	"time"

	"github.com/openfam/openfam/internal/famerrors"
)

// Recorder observes RPC outcomes. Every method is expected to be cheap
// and non-blocking; a Recorder that talks to a remote collector must do
// its own buffering.
type Recorder interface {
	ObserveRPC(method string, duration time.Duration, errorCode int)
	IncInFlight(method string)
	DecInFlight(method string)
}

// Noop discards every observation, for tests and for a metadata service
// with no attached recorder.
type Noop struct{}

func (Noop) ObserveRPC(string, time.Duration, int) {}
func (Noop) IncInFlight(string)                    {}
func (Noop) DecInFlight(string)                    {}

// Timed wraps fn, recording its duration and the famerrors.Code of
// whatever error it returns (0 on success) against method.
func Timed(rec Recorder, method string, fn func() error) error {
	rec.IncInFlight(method)
	start := time.Now()
	err := fn()
	rec.DecInFlight(method)
	rec.ObserveRPC(method, time.Since(start), codeOf(err))
	return err
}

func codeOf(err error) int {
	if err == nil {
		return 0
	}
	return int(famerrors.CodeOf(err))
}
