package vectorindex

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Snapshot layout inside the index directory. Every Save writes both files
// into a fresh gen-* directory and then atomically replaces CurrentFile,
// which names the generation to load. A crash at any point leaves CurrentFile
// naming a complete pair.
const (
	IndexFile   = "vectors.idx"
	MappingFile = "id_map.json"
	CurrentFile = "CURRENT"

	generationPrefix = "gen-"
)

var indexMagic = [4]byte{'I', 'D', 'P', 'V'}

const indexVersion uint32 = 1

// header precedes the little-endian float32 rows in the index file.
type header struct {
	Magic   [4]byte
	Version uint32
	Dim     uint32
	Count   uint64
}

// Open loads the committed snapshot in dir, or returns an empty index when
// nothing has been saved yet. A generation missing a file, or files that
// disagree on the vector count, is reported as ErrIntegrity.
func Open(dir string, dim int) (*Index, error) {
	x := New(dim, dir)
	if err := x.Load(); err != nil {
		return nil, err
	}
	return x, nil
}

// Load replaces the in-memory contents with the committed snapshot in Dir.
func (x *Index) Load() error {
	if x.dir == "" {
		return nil
	}
	gen, err := currentGeneration(x.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	genDir := filepath.Join(x.dir, gen)

	indexData, indexErr := os.ReadFile(filepath.Join(genDir, IndexFile))
	mappingData, mappingErr := os.ReadFile(filepath.Join(genDir, MappingFile))
	switch {
	case errors.Is(indexErr, fs.ErrNotExist) || errors.Is(mappingErr, fs.ErrNotExist):
		return fmt.Errorf("%w: snapshot %s is missing %s or %s", ErrIntegrity, gen, IndexFile, MappingFile)
	case indexErr != nil:
		return fmt.Errorf("reading index file: %w", indexErr)
	case mappingErr != nil:
		return fmt.Errorf("reading mapping file: %w", mappingErr)
	}

	dim, vectors, err := decodeIndex(indexData)
	if err != nil {
		return err
	}
	if dim != x.dim {
		return fmt.Errorf("%w: snapshot has dimension %d, index expects %d", ErrDimensionMismatch, dim, x.dim)
	}

	var ids []string
	if err := json.Unmarshal(mappingData, &ids); err != nil {
		return fmt.Errorf("%w: decoding mapping file: %v", ErrIntegrity, err)
	}
	if len(vectors)/dim != len(ids) {
		return fmt.Errorf("%w: index file holds %d vectors, mapping holds %d ids", ErrIntegrity, len(vectors)/dim, len(ids))
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = vectors
	x.ids = ids
	return nil
}

// Save writes the current contents as a new generation and commits it.
func (x *Index) Save() error {
	if x.dir == "" {
		return nil
	}
	x.saveMu.Lock()
	defer x.saveMu.Unlock()

	vectors, ids := x.view()
	if len(vectors) != x.dim*len(ids) {
		return fmt.Errorf("%w: refusing to save %d floats for %d ids", ErrIntegrity, len(vectors), len(ids))
	}
	return x.commit(vectors, ids)
}

// Append normalises vector and saves the index with it appended before
// making it visible to searches. On error the index is unchanged, in memory
// and on disk. Without a directory it behaves like Add.
func (x *Index) Append(vector []float32, documentID string) error {
	if x.dir == "" {
		return x.Add(vector, documentID)
	}
	v, err := x.prepare(vector, documentID)
	if err != nil {
		return err
	}

	x.saveMu.Lock()
	defer x.saveMu.Unlock()

	vectors, ids := x.view()
	if len(vectors) != x.dim*len(ids) {
		return fmt.Errorf("%w: refusing to save %d floats for %d ids", ErrIntegrity, len(vectors), len(ids))
	}
	next := make([]float32, 0, len(vectors)+len(v))
	next = append(append(next, vectors...), v...)
	nextIDs := append(slices.Clip(ids), documentID)
	if err := x.commit(next, nextIDs); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = append(x.vectors, v...)
	x.ids = append(x.ids, documentID)
	return nil
}

// view returns the current contents. Stored rows are never modified in
// place, so the slices stay valid after the lock is released.
func (x *Index) view() ([]float32, []string) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clip(x.vectors), slices.Clip(x.ids)
}

// commit writes vectors and ids into a new generation directory, points
// CurrentFile at it and removes older generations. Callers hold saveMu.
func (x *Index) commit(vectors []float32, ids []string) error {
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	genDir, err := os.MkdirTemp(x.dir, generationPrefix)
	if err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	gen := filepath.Base(genDir)

	if err := writeGeneration(genDir, x.dim, vectors, ids); err != nil {
		os.RemoveAll(genDir)
		return err
	}
	if err := writeFileAtomic(filepath.Join(x.dir, CurrentFile), []byte(gen+"\n")); err != nil {
		os.RemoveAll(genDir)
		return fmt.Errorf("committing snapshot: %w", err)
	}
	syncDir(x.dir)
	x.pruneGenerations(gen)
	return nil
}

// writeGeneration writes both snapshot files into genDir.
func writeGeneration(genDir string, dim int, vectors []float32, ids []string) error {
	mapping, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding mapping: %w", err)
	}
	if ids == nil {
		mapping = []byte("[]")
	}
	if err := writeFileAtomic(filepath.Join(genDir, IndexFile), encodeIndex(dim, vectors)); err != nil {
		return fmt.Errorf("writing index file: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(genDir, MappingFile), mapping); err != nil {
		return fmt.Errorf("writing mapping file: %w", err)
	}
	syncDir(genDir)
	return nil
}

// currentGeneration returns the generation CurrentFile points at.
func currentGeneration(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, CurrentFile))
	if err != nil {
		return "", err
	}
	gen := strings.TrimSpace(string(b))
	if !strings.HasPrefix(gen, generationPrefix) || gen != filepath.Base(gen) {
		return "", fmt.Errorf("%w: %s names invalid snapshot %q", ErrIntegrity, CurrentFile, gen)
	}
	return gen, nil
}

// pruneGenerations removes every generation directory except keep, including
// ones left behind by an interrupted Save. Failures are ignored; the next
// Save retries.
func (x *Index) pruneGenerations(keep string) {
	matches, err := filepath.Glob(filepath.Join(x.dir, generationPrefix+"*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if filepath.Base(m) != keep {
			os.RemoveAll(m)
		}
	}
}

func encodeIndex(dim int, vectors []float32) []byte {
	var buf bytes.Buffer
	h := header{Magic: indexMagic, Version: indexVersion, Dim: uint32(dim), Count: uint64(len(vectors) / dim)}
	binary.Write(&buf, binary.LittleEndian, h)
	buf.Write(encodeFloat32s(vectors))
	return buf.Bytes()
}

func decodeIndex(b []byte) (int, []float32, error) {
	var h header
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &h); err != nil {
		return 0, nil, fmt.Errorf("%w: reading index header: %v", ErrIntegrity, err)
	}
	if h.Magic != indexMagic {
		return 0, nil, fmt.Errorf("%w: bad index file magic %q", ErrIntegrity, h.Magic[:])
	}
	if h.Version != indexVersion {
		return 0, nil, fmt.Errorf("unsupported index file version %d", h.Version)
	}
	if h.Dim == 0 {
		return 0, nil, fmt.Errorf("%w: index header has zero dimension", ErrIntegrity)
	}
	body := b[binary.Size(h):]
	want := h.Count * uint64(h.Dim) * 4
	if uint64(len(body)) != want {
		return 0, nil, fmt.Errorf("%w: index body is %d bytes, header implies %d", ErrIntegrity, len(body), want)
	}
	vectors, err := decodeFloat32s(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return int(h.Dim), vectors, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// syncDir flushes directory entries so renames survive a crash. Not every
// platform supports it, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
