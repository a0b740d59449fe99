package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/config"
	"github.com/kozaktomas/attendance/internal/database/mock"
	"github.com/kozaktomas/attendance/internal/engine"
	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/pipeline"
)

type oneFaceDetector struct{}

func (oneFaceDetector) Detect(ctx context.Context, frame pipeline.Frame) ([]facematch.Box, error) {
	return []facematch.Box{{X: 4, Y: 4, W: 16, H: 16}}, nil
}

type fixedExtractor struct{ vec []float32 }

func (e fixedExtractor) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	return e.vec, nil
}

// newTestEngine returns a running engine whose only face always matches alice.
func newTestEngine(t *testing.T) (*engine.Engine, *mock.MockStore) {
	t.Helper()
	store := mock.NewMockStore()
	store.AddEmbedding("alice", []float32{1, 0, 0})
	store.AddEmbedding("bob", []float32{0, 1, 0})

	cfg := config.DefaultEngine()
	cfg.FlushSize = 1
	cfg.DequeueTimeout = 10 * time.Millisecond

	eng := engine.New(cfg, store, oneFaceDetector{}, fixedExtractor{vec: []float32{1, 0, 0}}, engine.WithLogger(zap.NewNop()))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng, store
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 8), 60, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}
