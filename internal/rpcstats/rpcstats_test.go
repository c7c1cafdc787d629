package rpcstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/famerrors"
)

type fakeRecorder struct {
	inFlight int
	lastCode int
}

func (f *fakeRecorder) ObserveRPC(method string, duration time.Duration, errorCode int) {
	f.lastCode = errorCode
}

func (f *fakeRecorder) IncInFlight(string) { f.inFlight++ }
func (f *fakeRecorder) DecInFlight(string) { f.inFlight-- }

func TestTimedRecordsSuccessCode(t *testing.T) {
	rec := &fakeRecorder{}
	err := Timed(rec, "create_region", func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, rec.lastCode)
	require.Equal(t, 0, rec.inFlight)
}

func TestTimedRecordsFailureCode(t *testing.T) {
	rec := &fakeRecorder{}
	err := Timed(rec, "create_region", func() error {
		return famerrors.New(famerrors.RegionExist, "r1")
	})
	require.Error(t, err)
	require.Equal(t, int(famerrors.RegionExist), rec.lastCode)
}

func TestNoopRecorderDoesNothing(t *testing.T) {
	var rec Noop
	require.NoError(t, Timed(rec, "m", func() error { return nil }))
}
