package memutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gflegar/xgl/memutils"
)

func TestIsPow2(t *testing.T) {
	require.True(t, memutils.IsPow2(1))
	require.True(t, memutils.IsPow2(256))
	require.True(t, memutils.IsPow2(uint(1<<20)))

	require.False(t, memutils.IsPow2(0))
	require.False(t, memutils.IsPow2(3))
	require.False(t, memutils.IsPow2(uint(1000)))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(64, "value"))

	err := memutils.CheckPow2(100, "value")
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	err = memutils.CheckPow2(0, "value")
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestAlignUpDown(t *testing.T) {
	require.Equal(t, 256, memutils.AlignUp(100, 256))
	require.Equal(t, 256, memutils.AlignUp(256, 256))
	require.Equal(t, 512, memutils.AlignUp(257, 256))
	require.Equal(t, 100, memutils.AlignUp(100, 1))

	require.Equal(t, 0, memutils.AlignDown(100, 256))
	require.Equal(t, 256, memutils.AlignDown(256, 256))
	require.Equal(t, 256, memutils.AlignDown(511, 256))
	require.Equal(t, 100, memutils.AlignDown(100, 1))
}

func TestNextPow2(t *testing.T) {
	require.Equal(t, 1, memutils.NextPow2(0))
	require.Equal(t, 1, memutils.NextPow2(1))
	require.Equal(t, 2, memutils.NextPow2(2))
	require.Equal(t, 4, memutils.NextPow2(3))
	require.Equal(t, 128, memutils.NextPow2(100))
	require.Equal(t, 128, memutils.NextPow2(128))
}
