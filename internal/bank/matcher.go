package bank

import (
	"math"
	"time"
)

// Unknown is the identity reported when nothing in the bank is similar enough.
const Unknown = "Unknown"

// CandidateMatch is the best bank entry for one query vector.
type CandidateMatch struct {
	IdentityID string    `json:"identity_id"`
	Similarity float64   `json:"similarity"`
	ObservedAt time.Time `json:"observed_at"`
}

// IsUnknown reports whether the match fell below the threshold.
func (c CandidateMatch) IsUnknown() bool {
	return c.IdentityID == Unknown
}

// Match returns the most similar identity to query. The first entry reaching
// the maximum wins ties. Below threshold the identity is Unknown but the best
// similarity is still reported. An empty bank or an invalid query yields
// Unknown with similarity -1.
func Match(b *Bank, query []float32, threshold float64) CandidateMatch {
	result := CandidateMatch{IdentityID: Unknown, Similarity: -1, ObservedAt: time.Now()}
	if b.Len() == 0 || len(query) != b.dim {
		return result
	}

	q, err := Normalize(query)
	if err != nil {
		return result
	}

	best := math.Inf(-1)
	bestIdx := -1
	for i := range b.entries {
		s := dot(q, b.entries[i].Vector)
		if s > best {
			best = s
			bestIdx = i
		}
	}

	result.Similarity = best
	if best >= threshold {
		result.IdentityID = b.entries[bestIdx].IdentityID
	}
	return result
}

// Ranked is one identity's similarity to a query.
type Ranked struct {
	IdentityID string  `json:"identity_id"`
	Similarity float64 `json:"similarity"`
}

// TopK returns up to k entries ordered by decreasing similarity, keeping
// insertion order among equal scores.
func TopK(b *Bank, query []float32, k int) []Ranked {
	if b.Len() == 0 || k <= 0 || len(query) != b.dim {
		return nil
	}
	q, err := Normalize(query)
	if err != nil {
		return nil
	}

	out := make([]Ranked, 0, k)
	for _, e := range b.entries {
		r := Ranked{IdentityID: e.IdentityID, Similarity: dot(q, e.Vector)}
		// insertion into a short sorted slice; k is small
		pos := len(out)
		for pos > 0 && out[pos-1].Similarity < r.Similarity {
			pos--
		}
		if pos >= k {
			continue
		}
		if len(out) < k {
			out = append(out, Ranked{})
		}
		copy(out[pos+1:], out[pos:len(out)-1])
		out[pos] = r
	}
	return out
}
