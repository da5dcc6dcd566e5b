package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
)

// DefaultDimension matches the all-MiniLM-L6-v2 sentence embedding size.
const DefaultDimension = 384

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// index dimension, or a persisted snapshot was built for another dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrIntegrity is returned when the vector array and the position mapping
	// disagree. The index cannot be trusted until it is rebuilt.
	ErrIntegrity = errors.New("vector index integrity violation")
)

// Hit is a single nearest-neighbour result. Score is the cosine similarity
// between the query and the stored vector, higher is closer.
type Hit struct {
	Position   int
	DocumentID string
	Score      float32
}

// Index is an in-memory flat inner-product index over L2-normalised vectors
// with a parallel position to document id mapping. Vectors are append-only;
// the only way to remove one is Replace.
//
// Writers take the write lock and readers the read lock, so a search never
// observes a vector without its mapping entry. saveMu serialises snapshot
// writes.
type Index struct {
	mu      sync.RWMutex
	saveMu  sync.Mutex
	dim     int
	dir     string
	vectors []float32 // row-major, len == dim * len(ids)
	ids     []string
}

// New returns an empty index. dir is where Save writes its snapshot; an empty
// dir makes Save a no-op.
func New(dim int, dir string) *Index {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Index{dim: dim, dir: dir}
}

// Dimension returns the fixed vector length of the index.
func (x *Index) Dimension() int { return x.dim }

// Dir returns the snapshot directory.
func (x *Index) Dir() string { return x.dir }

// Len returns the number of stored vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Add normalises vector and appends it together with its document id.
// It does not persist; see Append.
func (x *Index) Add(vector []float32, documentID string) error {
	v, err := x.prepare(vector, documentID)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = append(x.vectors, v...)
	x.ids = append(x.ids, documentID)
	return nil
}

// prepare validates vector and returns its normalised copy.
func (x *Index) prepare(vector []float32, documentID string) ([]float32, error) {
	if len(vector) != x.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), x.dim)
	}
	if documentID == "" {
		return nil, errors.New("document id is required")
	}
	return normalize(vector), nil
}

// Replace swaps the whole index contents. vectors[i] belongs to ids[i].
func (x *Index) Replace(vectors [][]float32, ids []string) error {
	if len(vectors) != len(ids) {
		return fmt.Errorf("%w: %d vectors for %d ids", ErrIntegrity, len(vectors), len(ids))
	}
	flat := make([]float32, 0, len(vectors)*x.dim)
	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("%w: vector %d has %d, want %d", ErrDimensionMismatch, i, len(v), x.dim)
		}
		if ids[i] == "" {
			return fmt.Errorf("vector %d has no document id", i)
		}
		flat = append(flat, normalize(v)...)
	}
	mapping := append([]string(nil), ids...)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = flat
	x.ids = mapping
	return nil
}

// Search returns up to k hits ordered by descending score, ties broken by
// the lower position. An empty index yields no hits.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	q := normalize(query)

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := len(x.vectors) / x.dim
	if len(x.vectors)%x.dim != 0 || n != len(x.ids) {
		return nil, fmt.Errorf("%w: %d vectors, %d mapping entries", ErrIntegrity, n, len(x.ids))
	}
	if n == 0 {
		return nil, nil
	}

	h := &hitHeap{}
	for pos := 0; pos < n; pos++ {
		score := dot(q, x.vectors[pos*x.dim:(pos+1)*x.dim])
		if h.Len() < k {
			heap.Push(h, Hit{Position: pos, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Hit{Position: pos, Score: score}
			heap.Fix(h, 0)
		}
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hit := heap.Pop(h).(Hit)
		hit.DocumentID = x.ids[hit.Position]
		hits[i] = hit
	}
	return hits, nil
}

// hitHeap is a min-heap whose root is the weakest retained hit: the lowest
// score, and among equal scores the highest position.
type hitHeap []Hit

func (h hitHeap) Len() int { return len(h) }
func (h hitHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].Position > h[j].Position
}
func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)   { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
