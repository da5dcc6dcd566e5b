package vectorindex

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unit returns a dim-length vector with 1 at position i.
func unit(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func TestAddAndSearch(t *testing.T) {
	x := New(4, "")

	require.NoError(t, x.Add([]float32{1, 0, 0, 0}, "doc-a"))
	require.NoError(t, x.Add([]float32{0, 1, 0, 0}, "doc-b"))
	require.NoError(t, x.Add([]float32{3, 3, 0, 0}, "doc-c"))
	assert.Equal(t, 3, x.Len())

	hits, err := x.Search([]float32{2, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "doc-a", hits[0].DocumentID)
	assert.Equal(t, 0, hits[0].Position)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "doc-c", hits[1].DocumentID)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
}

func TestSearch_EmptyIndex(t *testing.T) {
	x := New(4, "")

	hits, err := x.Search(unit(4, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_KLargerThanIndex(t *testing.T) {
	x := New(3, "")
	require.NoError(t, x.Add(unit(3, 0), "a"))
	require.NoError(t, x.Add(unit(3, 1), "b"))

	hits, err := x.Search(unit(3, 0), 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestSearch_DescendingScoresAndTies(t *testing.T) {
	x := New(2, "")
	require.NoError(t, x.Add([]float32{1, 0}, "first"))
	require.NoError(t, x.Add([]float32{0, 1}, "low"))
	require.NoError(t, x.Add([]float32{5, 0}, "second"))
	require.NoError(t, x.Add([]float32{1, 1}, "mid"))

	hits, err := x.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "first", hits[0].DocumentID, "equal scores keep the lower position first")
	assert.Equal(t, "second", hits[1].DocumentID)
	assert.Equal(t, "mid", hits[2].DocumentID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestSearch_SameDocumentTwice(t *testing.T) {
	x := New(2, "")
	require.NoError(t, x.Add([]float32{1, 0}, "dup"))
	require.NoError(t, x.Add([]float32{1, 0.1}, "dup"))

	hits, err := x.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "dup", hits[0].DocumentID)
	assert.Equal(t, "dup", hits[1].DocumentID)
}

func TestAdd_DimensionMismatch(t *testing.T) {
	x := New(4, "")

	err := x.Add([]float32{1, 2}, "doc")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, x.Len())

	_, err = x.Search([]float32{1}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestAdd_RequiresDocumentID(t *testing.T) {
	x := New(2, "")
	assert.Error(t, x.Add([]float32{1, 0}, ""))
}

func TestSearch_IntegrityViolation(t *testing.T) {
	x := New(2, "")
	require.NoError(t, x.Add([]float32{1, 0}, "a"))
	x.ids = append(x.ids, "orphan")

	_, err := x.Search([]float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestReplace(t *testing.T) {
	x := New(2, "")
	require.NoError(t, x.Add([]float32{1, 0}, "old"))

	require.NoError(t, x.Replace([][]float32{{0, 1}, {1, 1}}, []string{"n1", "n2"}))
	assert.Equal(t, 2, x.Len())

	hits, err := x.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n1", hits[0].DocumentID)

	assert.ErrorIs(t, x.Replace([][]float32{{1, 0}}, nil), ErrIntegrity)
	assert.ErrorIs(t, x.Replace([][]float32{{1}}, []string{"x"}), ErrDimensionMismatch)
	assert.Equal(t, 2, x.Len(), "failed replace leaves the index untouched")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	x := New(8, dir)
	for i := 0; i < 8; i++ {
		v := unit(8, i)
		v[(i+1)%8] = 0.5
		require.NoError(t, x.Add(v, "doc-"+string(rune('a'+i))))
	}
	require.NoError(t, x.Save())

	query := []float32{0.2, 1, 0.3, 0, 0, 0, 0, 0.1}
	before, err := x.Search(query, 5)
	require.NoError(t, err)

	y, err := Open(dir, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, y.Len())

	after, err := y.Search(query, 5)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOpen_NoSnapshot(t *testing.T) {
	x, err := Open(t.TempDir(), 4)
	require.NoError(t, err)
	assert.Equal(t, 0, x.Len())
}

func TestSave_EmptyIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, New(4, dir).Save())

	x, err := Open(dir, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, x.Len())
}

// snapshotFile returns the path of name inside the committed generation.
func snapshotFile(t *testing.T, dir, name string) string {
	t.Helper()
	gen, err := currentGeneration(dir)
	require.NoError(t, err)
	return filepath.Join(dir, gen, name)
}

func generations(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, generationPrefix+"*"))
	require.NoError(t, err)
	return matches
}

func TestOpen_MissingMapping(t *testing.T) {
	dir := t.TempDir()
	x := New(2, dir)
	require.NoError(t, x.Add([]float32{1, 0}, "a"))
	require.NoError(t, x.Save())
	require.NoError(t, os.Remove(snapshotFile(t, dir, MappingFile)))

	_, err := Open(dir, 2)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpen_CountMismatch(t *testing.T) {
	dir := t.TempDir()
	x := New(2, dir)
	require.NoError(t, x.Add([]float32{1, 0}, "a"))
	require.NoError(t, x.Save())
	require.NoError(t, os.WriteFile(snapshotFile(t, dir, MappingFile), []byte(`["a","b"]`), 0o644))

	_, err := Open(dir, 2)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpen_DimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	x := New(2, dir)
	require.NoError(t, x.Add([]float32{1, 0}, "a"))
	require.NoError(t, x.Save())

	_, err := Open(dir, 3)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestOpen_CorruptIndexFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, New(2, dir).Save())
	require.NoError(t, os.WriteFile(snapshotFile(t, dir, IndexFile), []byte("garbage"), 0o644))

	_, err := Open(dir, 2)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpen_InvalidCurrentPointer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CurrentFile), []byte("../elsewhere\n"), 0o644))

	_, err := Open(dir, 2)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestSave_InterruptedBeforeCommitKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	x := New(2, dir)
	require.NoError(t, x.Add([]float32{1, 0}, "a"))
	require.NoError(t, x.Save())

	// A complete new generation whose pointer switch never happened.
	require.NoError(t, x.Add([]float32{0, 1}, "b"))
	vectors, ids := x.view()
	complete, err := os.MkdirTemp(dir, generationPrefix)
	require.NoError(t, err)
	require.NoError(t, writeGeneration(complete, 2, vectors, ids))

	// A generation cut off after its first file.
	torn, err := os.MkdirTemp(dir, generationPrefix)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(torn, IndexFile), encodeIndex(2, vectors), 0o644))

	y, err := Open(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, y.Len())

	hits, err := y.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].DocumentID)

	// The next save commits and clears the abandoned generations.
	require.NoError(t, x.Save())
	assert.Len(t, generations(t, dir), 1)
	z, err := Open(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, z.Len())
}

func TestSave_RepeatedKeepsOneGeneration(t *testing.T) {
	dir := t.TempDir()
	x := New(2, dir)
	for i := 0; i < 3; i++ {
		require.NoError(t, x.Add([]float32{1, float32(i)}, "a"))
		require.NoError(t, x.Save())
	}
	assert.Len(t, generations(t, dir), 1)
}

func TestAppend_PersistsWithVector(t *testing.T) {
	dir := t.TempDir()
	x := New(2, dir)
	require.NoError(t, x.Append([]float32{1, 0}, "a"))
	require.NoError(t, x.Append([]float32{0, 1}, "b"))
	assert.Equal(t, 2, x.Len())

	y, err := Open(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, y.Len())
}

func TestAppend_SaveFailureLeavesIndexUnchanged(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	x := New(2, filepath.Join(blocker, "index"))
	err := x.Append([]float32{1, 0}, "a")
	require.Error(t, err)
	assert.Equal(t, 0, x.Len())

	hits, err := x.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAppend_Validates(t *testing.T) {
	x := New(2, t.TempDir())
	assert.ErrorIs(t, x.Append([]float32{1, 0, 0}, "a"), ErrDimensionMismatch)
	assert.Error(t, x.Append([]float32{1, 0}, ""))
	assert.Equal(t, 0, x.Len())
}

func TestConcurrentAddSearch(t *testing.T) {
	x := New(4, "")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, x.Add(unit(4, (i+j)%4), "doc"))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := x.Search(unit(4, j%4), 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, x.Len())
}

func TestNormalize_ZeroVector(t *testing.T) {
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}
