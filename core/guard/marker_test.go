package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-index/core/types"
)

func markerState(cycle string) MarkerState {
	return MarkerState{
		CycleID:  cycle,
		ArmedAt:  time.Date(2025, 11, 14, 0, 5, 0, 0, time.UTC),
		Rejected: map[types.Variant]string{types.VariantFull: "3.1"},
	}
}

func exerciseMarker(t *testing.T, m Marker) {
	ctx := context.Background()

	got, err := m.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "fresh marker should be unarmed")

	armed, err := m.Arm(ctx, markerState("c1"))
	require.NoError(t, err)
	assert.True(t, armed)

	armed, err = m.Arm(ctx, markerState("c1"))
	require.NoError(t, err)
	assert.False(t, armed, "second arm must not succeed while armed")

	got, err = m.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.CycleID)
	assert.Equal(t, "3.1", got.Rejected[types.VariantFull])

	got, err = m.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "marker is single-use")
}

func TestMemoryMarker(t *testing.T) {
	exerciseMarker(t, NewMemoryMarker())
}

func TestFileMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "rerun.marker")
	exerciseMarker(t, NewFileMarker(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "consumed marker file removed")
}

func TestFileMarkerVisibleAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rerun.marker")
	ctx := context.Background()

	armed, err := NewFileMarker(path).Arm(ctx, markerState("c2"))
	require.NoError(t, err)
	require.True(t, armed)

	got, err := NewFileMarker(path).Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c2", got.CycleID)
}
