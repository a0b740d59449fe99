package bank

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_NormalizesVectors(t *testing.T) {
	b, err := Build([]Entry{
		{IdentityID: "A", Vector: []float32{3, 4}},
		{IdentityID: " B ", Vector: []float32{0, 2}},
	})
	require.NoError(t, err)

	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "B", entries[1].IdentityID)
	for _, e := range entries {
		assert.True(t, e.Normalized)
		var sum float64
		for _, x := range e.Vector {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
	}
	assert.InDelta(t, 0.6, entries[0].Vector[0], 1e-6)
	assert.Equal(t, 2, b.Dim())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		wantErr error
	}{
		{"zero vector", []Entry{{IdentityID: "A", Vector: []float32{0, 0}}}, ErrInvalidVector},
		{"empty vector", []Entry{{IdentityID: "A"}}, ErrInvalidVector},
		{"nan", []Entry{{IdentityID: "A", Vector: []float32{float32(math.NaN()), 1}}}, ErrInvalidVector},
		{"mixed dims", []Entry{
			{IdentityID: "A", Vector: []float32{1, 0}},
			{IdentityID: "B", Vector: []float32{1, 0, 0}},
		}, ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.entries)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestBuild_EmptyBankMatchesNothing(t *testing.T) {
	b, err := Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())

	m := Match(b, []float32{1, 0, 0}, 0.1)
	assert.True(t, m.IsUnknown())
}

func TestBank_EntriesIsACopy(t *testing.T) {
	b, err := Build([]Entry{{IdentityID: "A", Vector: []float32{1, 0}}})
	require.NoError(t, err)

	entries := b.Entries()
	entries[0].Vector[0] = 42

	assert.InDelta(t, 1.0, b.Entries()[0].Vector[0], 1e-9)
}

func TestBank_Identities(t *testing.T) {
	b, err := Build([]Entry{
		{IdentityID: "A", Vector: []float32{1, 0}},
		{IdentityID: "B", Vector: []float32{0, 1}},
		{IdentityID: "A", Vector: []float32{1, 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, b.Identities())
	assert.Equal(t, 3, b.Len())
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}
