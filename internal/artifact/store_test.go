package artifact_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/artifact"
	"github.com/scrypster/loom/internal/hash"
	"github.com/scrypster/loom/pkg/types"
)

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	s, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func chunk(id, content string) *types.Chunk {
	c := &types.Chunk{
		ChunkID:     id,
		ChatID:      "chat-1",
		MessageHash: hash.Text("msg-" + id),
		Role:        types.RoleUser,
		Content:     content,
		CharCount:   len(content),
	}
	c.ChunkHash = hash.MustFields(c.HashFields())
	return c
}

func TestLoadAll_AbsentFileIsEmpty(t *testing.T) {
	s := newStore(t)
	recs, err := artifact.LoadAll[types.Chunk](s, "chunks")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAppendThenLoadAll(t *testing.T) {
	s := newStore(t)
	require.NoError(t, artifact.Append(s, "chunks", []*types.Chunk{
		chunk("c1:0:0", "first"),
		chunk("c1:1:0", "second"),
	}))

	recs, err := artifact.LoadAll[types.Chunk](s, "chunks")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "first", recs[0].Content)
	assert.Equal(t, "second", recs[1].Content)
}

// Re-appending a record with the same identity must supersede, not duplicate.
// This is what makes the crash window between artifact write and ledger mark
// safe to replay.
func TestLoadAll_LastWinsDedup(t *testing.T) {
	s := newStore(t)
	require.NoError(t, artifact.Append(s, "chunks", []*types.Chunk{chunk("c1:0:0", "old")}))
	require.NoError(t, artifact.Append(s, "chunks", []*types.Chunk{chunk("c1:0:0", "new")}))

	recs, err := artifact.LoadAll[types.Chunk](s, "chunks")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].Content)
}

func TestReplace(t *testing.T) {
	s := newStore(t)
	require.NoError(t, artifact.Append(s, "chunks", []*types.Chunk{chunk("c1:0:0", "old")}))
	require.NoError(t, artifact.Replace(s, "chunks", []*types.Chunk{chunk("c1:1:0", "only")}))

	recs, err := artifact.LoadAll[types.Chunk](s, "chunks")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c1:1:0", recs[0].ChunkID)
}

// Malformed lines and invalid records are quarantined, not propagated.
func TestLoadAll_QuarantinesBadRecords(t *testing.T) {
	s := newStore(t)
	require.NoError(t, artifact.Append(s, "chunks", []*types.Chunk{chunk("c1:0:0", "good")}))

	f, err := os.OpenFile(s.Path("chunks"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{\"chunk_id\":\"\",\"content\":\"no id\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := artifact.LoadAll[types.Chunk](s, "chunks")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].Content)
}

func TestAppend_RejectsInvalidRecord(t *testing.T) {
	s := newStore(t)
	bad := &types.Chunk{ChunkID: ""}
	err := artifact.Append(s, "chunks", []*types.Chunk{bad})
	assert.ErrorIs(t, err, types.ErrInvalidRecord)
}

func TestMetaRoundTrip(t *testing.T) {
	s := newStore(t)

	meta, err := s.ReadMeta("embed")
	require.NoError(t, err)
	assert.Zero(t, meta.Version, "absent meta reads as zero value")

	require.NoError(t, s.WriteMeta("embed", map[string]int{"new": 4, "existing": 2}))

	meta, err = s.ReadMeta("embed")
	require.NoError(t, err)
	assert.Equal(t, "embed", meta.Step)
	assert.Equal(t, 4, meta.Stats["new"])
	assert.False(t, meta.Timestamp.IsZero())
}

func TestAcquire_SerializesStageWriters(t *testing.T) {
	s := newStore(t)

	release := s.Acquire("chunks")
	acquired := make(chan struct{})
	go func() {
		r := s.Acquire("chunks")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired the stage lock while held")
	default:
	}

	release()
	<-acquired
}
