package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/pkg/types"
)

func embFixture(id string, vec []float32) *types.Embedding {
	return &types.Embedding{ChunkID: id, Vector: vec, VectorHash: "h:" + id}
}

// Two tight groups well apart in cosine space.
func twoGroups() (existing, fresh []*types.Embedding) {
	existing = []*types.Embedding{
		embFixture("a:1:0", []float32{1, 0.01, 0}),
		embFixture("a:2:0", []float32{1, 0.02, 0}),
		embFixture("a:3:0", []float32{1, 0, 0.01}),
	}
	fresh = []*types.Embedding{
		embFixture("b:1:0", []float32{0, 1, 0.01}),
		embFixture("b:2:0", []float32{0.01, 1, 0}),
		embFixture("b:3:0", []float32{0, 1, 0.02}),
	}
	return existing, fresh
}

func TestMergeCompleteness(t *testing.T) {
	existing, fresh := twoGroups()
	inc := NewIncremental(NewLocalEngine(2, 0.3), 2)

	assignments, runID, err := inc.Merge(existing, fresh)
	require.NoError(t, err)
	require.Len(t, assignments, len(existing)+len(fresh))
	assert.NotEmpty(t, runID)

	// Every previously-labeled vector still gets a label from this run.
	for i, a := range assignments {
		assert.Equal(t, runID, a.RunID)
		assert.GreaterOrEqual(t, a.Label, types.NoiseLabel)
		if i < len(existing) {
			assert.Equal(t, existing[i].ChunkID, a.ChunkID)
		}
	}
}

func TestMergeSeparatesGroups(t *testing.T) {
	existing, fresh := twoGroups()
	inc := NewIncremental(NewLocalEngine(2, 0.3), 2)

	assignments, _, err := inc.Merge(existing, fresh)
	require.NoError(t, err)

	groupA := assignments[0].Label
	groupB := assignments[3].Label
	assert.NotEqual(t, types.NoiseLabel, groupA)
	assert.NotEqual(t, types.NoiseLabel, groupB)
	assert.NotEqual(t, groupA, groupB)
	assert.Equal(t, groupA, assignments[1].Label)
	assert.Equal(t, groupA, assignments[2].Label)
	assert.Equal(t, groupB, assignments[4].Label)
	assert.Equal(t, groupB, assignments[5].Label)
}

func TestMergeSentinelsStayNoise(t *testing.T) {
	existing, fresh := twoGroups()
	fresh = append(fresh, &types.Embedding{
		ChunkID: "z:1:0", Vector: make([]float32, 3), VectorHash: "h:z", Sentinel: true,
	})
	inc := NewIncremental(NewLocalEngine(2, 0.3), 2)

	assignments, _, err := inc.Merge(existing, fresh)
	require.NoError(t, err)
	require.Len(t, assignments, 7)
	last := assignments[6]
	assert.Equal(t, "z:1:0", last.ChunkID)
	assert.Equal(t, types.NoiseLabel, last.Label)
}

func TestMergeSinglePointTrivialPlacement(t *testing.T) {
	inc := NewIncremental(NewLocalEngine(5, 0.25), 5)

	assignments, runID, err := inc.Merge(nil, []*types.Embedding{
		embFixture("a:1:0", []float32{1, 2, 3}),
	})
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.NotEmpty(t, runID)
	assert.Equal(t, 0, assignments[0].Label)
}

func TestMergeBelowThresholdGridFallback(t *testing.T) {
	inc := NewIncremental(NewLocalEngine(5, 0.25), 5)

	assignments, _, err := inc.Merge(nil, []*types.Embedding{
		embFixture("a:1:0", []float32{1, 0, 0}),
		embFixture("a:2:0", []float32{0, 1, 0}),
		embFixture("a:3:0", []float32{0, 0, 1}),
	})
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	// Orthogonal points would be noise under density clustering; the grid
	// fallback keeps them in one cluster with deterministic coordinates.
	for _, a := range assignments {
		assert.Equal(t, 0, a.Label)
	}
	assert.Equal(t, 0.0, assignments[0].X)
	assert.Equal(t, 0.0, assignments[0].Y)
	assert.Equal(t, 1.0, assignments[1].X)
	assert.NotEqual(t, assignments[0], assignments[1])
}

func TestMergeAllSentinels(t *testing.T) {
	inc := NewIncremental(NewLocalEngine(2, 0.25), 2)

	assignments, _, err := inc.Merge(nil, []*types.Embedding{
		{ChunkID: "a:1:0", Vector: make([]float32, 4), VectorHash: "h1", Sentinel: true},
		{ChunkID: "a:2:0", Vector: make([]float32, 4), VectorHash: "h2", Sentinel: true},
	})
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	for _, a := range assignments {
		assert.Equal(t, types.NoiseLabel, a.Label)
	}
}

func TestMergeEmpty(t *testing.T) {
	inc := NewIncremental(NewLocalEngine(2, 0.25), 2)
	assignments, runID, err := inc.Merge(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, assignments)
	assert.NotEmpty(t, runID)
}

func TestLocalEngineClusterLengths(t *testing.T) {
	e := NewLocalEngine(2, 0.3)
	existing, fresh := twoGroups()

	var vectors [][]float32
	for _, em := range append(existing, fresh...) {
		vectors = append(vectors, em.Vector)
	}
	labels, err := e.Cluster(vectors)
	require.NoError(t, err)
	assert.Len(t, labels, len(vectors))

	coords, err := e.Reduce2D(vectors)
	require.NoError(t, err)
	assert.Len(t, coords, len(vectors))
}

func TestLocalEngineReduce2DDegenerate(t *testing.T) {
	e := NewLocalEngine(2, 0.3)

	coords, err := e.Reduce2D(nil)
	require.NoError(t, err)
	assert.Empty(t, coords)

	coords, err = e.Reduce2D([][]float32{{1, 2, 3}})
	require.NoError(t, err)
	require.Len(t, coords, 1)
	assert.Equal(t, [2]float64{0, 0}, coords[0])
}
