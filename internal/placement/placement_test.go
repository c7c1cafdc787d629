package placement

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/model"
)

func fourServers() []uint64 { return []uint64{100, 101, 102, 103} }

func TestPlaceRegionIsDeterministic(t *testing.T) {
	e := New(fourServers(), nil, false, 0)
	a, err := e.PlaceRegion("r1", 1024, model.Persistent)
	require.NoError(t, err)
	b, err := e.PlaceRegion("r1", 1024, model.Persistent)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPlaceRegionUnknownTypeFails(t *testing.T) {
	e := New(nil, fourServers(), false, 0)
	_, err := e.PlaceRegion("r1", 1024, model.Persistent)
	require.Error(t, err)
	require.True(t, famerrors.Is(err, famerrors.RequestedMemoryTypeNotAvailable))
}

func TestPlaceRegionSpanningSeedScenarioS6(t *testing.T) {
	const gib = 1 << 30
	e := New(fourServers(), nil, true, gib)

	big, err := e.PlaceRegion("big", uint64(3.5*gib), model.Persistent)
	require.NoError(t, err)
	require.Len(t, big, 4)

	small, err := e.PlaceRegion("small", 512<<20, model.Persistent)
	require.NoError(t, err)
	require.Len(t, small, 1)

	start := int(hashName("small") % 4)
	require.Equal(t, fourServers()[start], small[0])
}

func TestPlaceRegionNoSpanAlwaysOneServer(t *testing.T) {
	e := New(fourServers(), nil, false, 1<<20)
	ids, err := e.PlaceRegion("huge", 100<<20, model.Persistent)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestPlaceDataitemInterleavedInheritsStripeSet(t *testing.T) {
	ids := PlaceDataitem(fourServers(), "item", true)
	require.Equal(t, fourServers(), ids)
}

func TestPlaceDataitemNamedIsDeterministic(t *testing.T) {
	a := PlaceDataitem(fourServers(), "item", false)
	b := PlaceDataitem(fourServers(), "item", false)
	require.Equal(t, a, b)
	require.Len(t, a, 1)
}

func TestStripeLocationFormula(t *testing.T) {
	bases := []uint64{1000, 2000, 3000}
	baseOn := func(i int) uint64 { return bases[i] }

	const interleaveSize = 64
	// L = 0 -> server 0, localOffset = base[0] + 0 = 1000
	s, off := StripeLocation(0, interleaveSize, 3, baseOn)
	require.Equal(t, 0, s)
	require.Equal(t, uint64(1000), off)

	// L = 64 -> server 1, localOffset = base[1] + 0 = 2000
	s, off = StripeLocation(64, interleaveSize, 3, baseOn)
	require.Equal(t, 1, s)
	require.Equal(t, uint64(2000), off)

	// L = 3*64 = 192 -> wraps back to server 0, second round:
	// round = 192/(64*3) = 1, localOffset = 1000 + 1*64 + 0 = 1064
	s, off = StripeLocation(192, interleaveSize, 3, baseOn)
	require.Equal(t, 0, s)
	require.Equal(t, uint64(1064), off)
}
