package facematch

import (
	"image"
	"math"
	"testing"
)

func TestComputeIoU(t *testing.T) {
	tests := []struct {
		name     string
		a        Box
		b        Box
		expected float64
	}{
		{
			name:     "identical boxes",
			a:        Box{0, 0, 10, 10},
			b:        Box{0, 0, 10, 10},
			expected: 1.0,
		},
		{
			name:     "no overlap",
			a:        Box{0, 0, 10, 10},
			b:        Box{20, 20, 10, 10},
			expected: 0.0,
		},
		{
			name:     "partial overlap",
			a:        Box{0, 0, 10, 10},
			b:        Box{5, 5, 10, 10},
			expected: 25.0 / 175.0, // intersection=25, union=100+100-25=175
		},
		{
			name:     "one inside other",
			a:        Box{0, 0, 20, 20},
			b:        Box{5, 5, 10, 10},
			expected: 100.0 / 400.0,
		},
		{
			name:     "invalid box",
			a:        Box{0, 0, 0, 10},
			b:        Box{0, 0, 10, 10},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ComputeIoU(tt.a, tt.b)
			if math.Abs(result-tt.expected) > 0.0001 {
				t.Errorf("ComputeIoU(%v, %v) = %v, want %v", tt.a, tt.b, result, tt.expected)
			}
		})
	}
}

func TestBoxFromCorners(t *testing.T) {
	tests := []struct {
		name     string
		bbox     []float64
		expected Box
		wantErr  bool
	}{
		{"simple", []float64{100, 200, 300, 400}, Box{100, 200, 200, 200}, false},
		{"fractional pixels", []float64{10.7, 20.2, 50.9, 80.1}, Box{10, 20, 40, 59}, false},
		{"too short", []float64{100, 200}, Box{}, true},
		{"inverted", []float64{300, 400, 100, 200}, Box{}, true},
		{"zero width", []float64{100, 200, 100, 300}, Box{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BoxFromCorners(tt.bbox)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BoxFromCorners(%v) error = %v, wantErr %v", tt.bbox, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("BoxFromCorners(%v) = %v, want %v", tt.bbox, got, tt.expected)
			}
		})
	}
}

func TestBoxClamp(t *testing.T) {
	bounds := image.Rect(0, 0, 640, 480)

	tests := []struct {
		name      string
		box       Box
		expected  Box
		wantValid bool
	}{
		{"inside", Box{10, 10, 50, 50}, Box{10, 10, 50, 50}, true},
		{"negative origin", Box{-20, -10, 50, 50}, Box{0, 0, 30, 40}, true},
		{"past right edge", Box{620, 400, 50, 100}, Box{620, 400, 20, 80}, true},
		{"fully outside", Box{700, 500, 10, 10}, Box{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.box.Clamp(bounds)
			if got.Valid() != tt.wantValid {
				t.Fatalf("Clamp(%v).Valid() = %v, want %v", tt.box, got.Valid(), tt.wantValid)
			}
			if tt.wantValid && got != tt.expected {
				t.Errorf("Clamp(%v) = %v, want %v", tt.box, got, tt.expected)
			}
		})
	}
}

func TestBoxKey(t *testing.T) {
	tests := []struct {
		name   string
		a, b   Box
		bucket int
		same   bool
	}{
		{"small jitter", Box{101, 203, 80, 80}, Box{107, 208, 82, 79}, 10, true},
		{"crossed bucket", Box{109, 200, 80, 80}, Box{111, 200, 80, 80}, 10, false},
		{"moved far", Box{100, 200, 80, 80}, Box{300, 200, 80, 80}, 10, false},
		{"zero bucket treated as one", Box{5, 5, 10, 10}, Box{5, 5, 12, 12}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			same := tt.a.Key(tt.bucket) == tt.b.Key(tt.bucket)
			if same != tt.same {
				t.Errorf("keys %v and %v: same=%v, want %v", tt.a.Key(tt.bucket), tt.b.Key(tt.bucket), same, tt.same)
			}
		})
	}
}

func TestKeyNegativeFloor(t *testing.T) {
	k := Box{X: -1, Y: -11, W: 5, H: 5}.Key(10)
	if k.X != -1 || k.Y != -2 {
		t.Errorf("expected floored key -1:-2, got %s", k)
	}
}

func TestSuppressOverlaps(t *testing.T) {
	boxes := []Box{
		{0, 0, 10, 10},
		{0, 0, 11, 11},     // overlaps first, larger, kept instead
		{100, 100, 10, 10}, // separate face
	}

	got := SuppressOverlaps(boxes, 0.5)

	if len(got) != 2 {
		t.Fatalf("expected 2 boxes, got %d: %v", len(got), got)
	}
	if got[0] != boxes[1] || got[1] != boxes[2] {
		t.Errorf("unexpected survivors %v", got)
	}
}
