package descriptor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/model"
)

func TestNewDescriptorStartsUninitialized(t *testing.T) {
	d := New(model.Descriptor{RegionID: model.MakeRegionID(5, 21), Offset: 0})
	require.Equal(t, Uninitialized, d.Status())
}

func TestInvalidateResetsCacheAndStatus(t *testing.T) {
	d := New(model.Descriptor{RegionID: model.MakeRegionID(5, 21), Offset: 128})
	d.mu.Lock()
	d.status = Initialized
	d.cache = Cache{Key: []byte("k"), Size: 4096}
	d.mu.Unlock()

	d.Invalidate()

	require.Equal(t, Invalid, d.Status())
	require.Error(t, d.AssertUsable())
}

func TestAssertUsableAllowsUninitialized(t *testing.T) {
	d := New(model.Descriptor{RegionID: model.MakeRegionID(5, 21), Offset: model.RegionSelfOffset})
	require.NoError(t, d.AssertUsable())
}

func TestStatusStringsAreStable(t *testing.T) {
	require.Equal(t, "uninitialized", Uninitialized.String())
	require.Equal(t, "initialized", Initialized.String())
	require.Equal(t, "initialized_no_key", InitializedNoKey.String())
	require.Equal(t, "invalid", Invalid.String())
}
