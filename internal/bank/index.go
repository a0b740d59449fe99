package bank

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/attendance/internal/constants"
)

const (
	// indexMaxNeighbors is the HNSW M parameter.
	indexMaxNeighbors = 16
	// indexOversample widens the approximate search before filtering by identity.
	indexOversample = 4
)

// Neighbor is an identity found near a query vector.
type Neighbor struct {
	IdentityID string
	Similarity float64
}

// NeighborIndex is an approximate nearest-neighbor index over enrolled
// vectors. Enrollment uses it to warn when a new face is already close to a
// different identity; live matching stays on the exact brute-force Match.
type NeighborIndex struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[int64]
	identity map[int64]string
	nextID   int64
	dim      int
}

// NewNeighborIndex creates an empty index.
func NewNeighborIndex() *NeighborIndex {
	return &NeighborIndex{identity: make(map[int64]string)}
}

// IndexBank builds an index from every vector in b.
func IndexBank(b *Bank) *NeighborIndex {
	idx := NewNeighborIndex()
	if b == nil {
		return idx
	}
	for _, e := range b.entries {
		idx.addLocked(e.IdentityID, e.Vector)
	}
	return idx
}

// Add normalizes vec and inserts it under identityID.
func (n *NeighborIndex) Add(identityID string, vec []float32) error {
	unit, err := Normalize(vec)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dim != 0 && len(unit) != n.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(unit), n.dim)
	}
	n.addLocked(identityID, unit)
	return nil
}

func (n *NeighborIndex) addLocked(identityID string, unit []float32) {
	if n.graph == nil {
		g := hnsw.NewGraph[int64]()
		g.M = indexMaxNeighbors
		g.Ml = 1.0 / float64(indexMaxNeighbors)
		g.Distance = hnsw.CosineDistance
		n.graph = g
	}
	n.dim = len(unit)
	key := n.nextID
	n.nextID++
	n.graph.Add(hnsw.MakeNode(key, unit))
	n.identity[key] = identityID
}

// Len returns the number of indexed vectors.
func (n *NeighborIndex) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.identity)
}

// Nearest returns up to k distinct identities closest to vec, excluding
// exclude, ordered by decreasing similarity.
func (n *NeighborIndex) Nearest(vec []float32, k int, exclude string) ([]Neighbor, error) {
	unit, err := Normalize(vec)
	if err != nil {
		return nil, err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.graph == nil || k <= 0 {
		return nil, nil
	}
	if len(unit) != n.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(unit), n.dim)
	}

	nodes := n.graph.Search(unit, k*indexOversample)

	best := make(map[string]int, k)
	out := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		id := n.identity[node.Key]
		if id == exclude {
			continue
		}
		sim := dot(unit, node.Value)
		if i, ok := best[id]; ok {
			if sim > out[i].Similarity {
				out[i].Similarity = sim
			}
			continue
		}
		best[id] = len(out)
		out = append(out, Neighbor{IdentityID: id, Similarity: sim})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Collisions returns identities other than identityID whose similarity to vec
// is at least threshold.
func (n *NeighborIndex) Collisions(identityID string, vec []float32, threshold float64) ([]Neighbor, error) {
	near, err := n.Nearest(vec, constants.CollisionNeighbors, identityID)
	if err != nil {
		return nil, err
	}
	var out []Neighbor
	for _, nb := range near {
		if nb.Similarity >= threshold {
			out = append(out, nb)
		}
	}
	return out, nil
}
