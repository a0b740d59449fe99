// Package bank holds immutable snapshots of enrolled identity vectors and the
// similarity search over them.
package bank

import (
	"errors"
	"fmt"
	"math"

	"github.com/kozaktomas/attendance/internal/facematch"
)

var (
	// ErrInvalidVector is returned for empty or zero-norm vectors.
	ErrInvalidVector = errors.New("invalid vector")
	// ErrDimensionMismatch is returned when vectors in one bank differ in length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Entry is a raw (not yet normalized) vector for an identity, as loaded from the store.
type Entry struct {
	IdentityID string
	Vector     []float32
}

// IdentityVector is an L2-normalized vector stored in a Bank.
type IdentityVector struct {
	IdentityID string
	Vector     []float32
	Normalized bool
}

// Bank is an immutable, ordered snapshot of identity vectors. It is safe for
// concurrent reads. Replace it with a new Bank instead of mutating it.
type Bank struct {
	entries []IdentityVector
	dim     int
}

// Build normalizes every entry and returns a new Bank. An empty input yields
// an empty bank that matches nothing.
func Build(entries []Entry) (*Bank, error) {
	b := &Bank{entries: make([]IdentityVector, 0, len(entries))}

	for i, e := range entries {
		id := facematch.NormalizeIdentityID(e.IdentityID)
		if id == "" {
			return nil, fmt.Errorf("entry %d: empty identity id", i)
		}
		if b.dim != 0 && len(e.Vector) != b.dim {
			return nil, fmt.Errorf("entry %d (%s): %w: got %d, want %d", i, id, ErrDimensionMismatch, len(e.Vector), b.dim)
		}

		vec, err := Normalize(e.Vector)
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, id, err)
		}

		b.dim = len(vec)
		b.entries = append(b.entries, IdentityVector{IdentityID: id, Vector: vec, Normalized: true})
	}

	return b, nil
}

// Empty returns a bank with no entries.
func Empty() *Bank {
	return &Bank{}
}

// Len returns the number of vectors in the bank.
func (b *Bank) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Dim returns the vector dimension, or 0 for an empty bank.
func (b *Bank) Dim() int {
	if b == nil {
		return 0
	}
	return b.dim
}

// Identities returns the distinct identity IDs in insertion order.
func (b *Bank) Identities() []string {
	if b == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(b.entries))
	ids := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		if _, ok := seen[e.IdentityID]; ok {
			continue
		}
		seen[e.IdentityID] = struct{}{}
		ids = append(ids, e.IdentityID)
	}
	return ids
}

// Entries returns a copy of the stored vectors.
func (b *Bank) Entries() []IdentityVector {
	if b == nil {
		return nil
	}
	out := make([]IdentityVector, len(b.entries))
	for i, e := range b.entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		out[i] = IdentityVector{IdentityID: e.IdentityID, Vector: vec, Normalized: e.Normalized}
	}
	return out
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVector)
	}

	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero norm", ErrInvalidVector)
	}

	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}
