package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/track"
)

type fakeDetector struct {
	boxes   []facematch.Box
	err     error
	panics  bool
	entered chan struct{} // receives once per call when non-nil
	release chan struct{} // calls block until closed when non-nil
	calls   atomic.Int32
}

func (d *fakeDetector) Detect(ctx context.Context, frame Frame) ([]facematch.Box, error) {
	d.calls.Add(1)
	if d.entered != nil {
		select {
		case d.entered <- struct{}{}:
		default:
		}
	}
	if d.release != nil {
		<-d.release
	}
	if d.panics {
		panic("detector exploded")
	}
	return d.boxes, d.err
}

type fakeExtractor struct {
	mu   sync.Mutex
	vecs [][]float32 // returned in call order, last one repeats
	errs []error
	n    int
}

func (e *fakeExtractor) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.n
	e.n++
	if i < len(e.errs) && e.errs[i] != nil {
		return nil, e.errs[i]
	}
	if i >= len(e.vecs) {
		i = len(e.vecs) - 1
	}
	return e.vecs[i], nil
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 128, 255})
		}
	}
	return img
}

func testBank(t *testing.T) func() *bank.Bank {
	t.Helper()
	b, err := bank.Build([]bank.Entry{
		{IdentityID: "A", Vector: []float32{1, 0, 0}},
		{IdentityID: "B", Vector: []float32{0, 1, 0}},
	})
	require.NoError(t, err)
	return func() *bank.Bank { return b }
}

func testConfig() Config {
	return Config{
		QueueCapacity:  5,
		Workers:        1,
		DequeueTimeout: 10 * time.Millisecond,
		StopTimeout:    time.Second,
		MatchThreshold: 0.7,
		BucketSize:     10,
		CropSize:       16,
	}
}

func TestPipeline_BoundedQueueDropsWhenFull(t *testing.T) {
	det := &fakeDetector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	ext := &fakeExtractor{vecs: [][]float32{{1, 0, 0}}}
	p := New(testConfig(), det, ext, testBank(t), track.NewSmoother(5, 3, time.Second))

	require.NoError(t, p.Start(context.Background()))

	// park the single worker inside the detector
	queued, err := p.Submit(Frame{Image: testImage()})
	require.NoError(t, err)
	require.True(t, queued)
	<-det.entered

	accepted := 0
	for range 20 {
		ok, err := p.Submit(Frame{Image: testImage()})
		require.NoError(t, err)
		if ok {
			accepted++
		}
		assert.LessOrEqual(t, p.Stats().QueueLength, 5)
	}

	stats := p.Stats()
	assert.Equal(t, 5, accepted)
	assert.Equal(t, uint64(15), stats.Dropped)
	assert.Equal(t, uint64(21), stats.Submitted)
	assert.Equal(t, 5, stats.QueueLength)

	close(det.release)
	require.Eventually(t, func() bool { return p.Stats().Processed == 6 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())
}

func TestPipeline_PublishesLatestResult(t *testing.T) {
	det := &fakeDetector{boxes: []facematch.Box{{X: 10, Y: 10, W: 20, H: 20}}}
	ext := &fakeExtractor{vecs: [][]float32{{0.95, 0.1, 0}}}

	var results atomic.Int32
	p := New(testConfig(), det, ext, testBank(t), track.NewSmoother(5, 3, time.Second),
		WithResultFunc(func(ctx context.Context, r Result) { results.Add(1) }))

	_, ok := p.Latest()
	assert.False(t, ok, "nothing published before the first frame")

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, err := p.Submit(Frame{Image: testImage()})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return results.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	r, _ := p.Latest()
	require.Len(t, r.Recognitions, 1)
	assert.Equal(t, "A", r.Recognitions[0].IdentityID)
	assert.Equal(t, "A", r.Recognitions[0].Raw.IdentityID)
	assert.Equal(t, facematch.Box{X: 10, Y: 10, W: 20, H: 20}, r.Recognitions[0].Box)
	assert.Equal(t, "1:1", r.Recognitions[0].Key)
	assert.Equal(t, uint64(1), r.Seq)

	// the returned result is a copy
	r.Recognitions[0].IdentityID = "mutated"
	again, _ := p.Latest()
	assert.Equal(t, "A", again.Recognitions[0].IdentityID)
}

func TestPipeline_DetectorFailureYieldsEmptyResult(t *testing.T) {
	tests := []struct {
		name string
		det  *fakeDetector
	}{
		{"error", &fakeDetector{err: errors.New("detector offline")}},
		{"panic", &fakeDetector{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := &fakeExtractor{vecs: [][]float32{{1, 0, 0}}}
			p := New(testConfig(), tt.det, ext, testBank(t), track.NewSmoother(5, 3, time.Second))
			require.NoError(t, p.Start(context.Background()))
			defer p.Stop()

			for range 3 {
				_, err := p.Submit(Frame{Image: testImage()})
				require.NoError(t, err)
				time.Sleep(5 * time.Millisecond)
			}

			require.Eventually(t, func() bool { return p.Stats().Processed == 3 }, 2*time.Second, 5*time.Millisecond)
			r, ok := p.Latest()
			require.True(t, ok)
			assert.Empty(t, r.Recognitions)
			assert.EqualValues(t, 3, tt.det.calls.Load())
			assert.Equal(t, Running, p.State())
		})
	}
}

func TestPipeline_ExtractorFailureSkipsOnlyThatFace(t *testing.T) {
	det := &fakeDetector{boxes: []facematch.Box{
		{X: 0, Y: 0, W: 16, H: 16},
		{X: 40, Y: 40, W: 16, H: 16},
	}}
	ext := &fakeExtractor{
		vecs: [][]float32{nil, {0, 1, 0}},
		errs: []error{errors.New("blurry crop")},
	}
	p := New(testConfig(), det, ext, testBank(t), track.NewSmoother(5, 3, time.Second))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	_, err := p.Submit(Frame{Image: testImage()})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Stats().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	r, _ := p.Latest()
	require.Len(t, r.Recognitions, 1)
	assert.Equal(t, "B", r.Recognitions[0].IdentityID)
	assert.Equal(t, 40, r.Recognitions[0].Box.X)
}

func TestPipeline_StopTimeoutDoesNotHang(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	det := &fakeDetector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(det.release)

	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	p := New(cfg, det, &fakeExtractor{vecs: [][]float32{{1, 0, 0}}}, testBank(t), nil, WithLogger(zap.New(core)))

	require.NoError(t, p.Start(context.Background()))
	_, err := p.Submit(Frame{Image: testImage()})
	require.NoError(t, err)
	<-det.entered

	start := time.Now()
	err = p.Stop()
	assert.True(t, errors.Is(err, ErrStopTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, 1, logs.FilterMessage("workers did not stop in time, abandoning them").Len())
}

func TestPipeline_Lifecycle(t *testing.T) {
	p := New(testConfig(), &fakeDetector{}, &fakeExtractor{vecs: [][]float32{{1, 0, 0}}}, testBank(t), nil)

	_, err := p.Submit(Frame{Image: testImage()})
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.Equal(t, Stopped, p.State())

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, Running, p.State())
	assert.True(t, errors.Is(p.Start(context.Background()), ErrAlreadyRunning))

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "second stop is a no-op")
	assert.Equal(t, Stopped, p.State())

	// restart after stop
	require.NoError(t, p.Start(context.Background()))
	queued, err := p.Submit(Frame{Image: testImage()})
	require.NoError(t, err)
	assert.True(t, queued)
	require.NoError(t, p.Stop())
}

func TestPipeline_ContextCancelStopsWorkers(t *testing.T) {
	det := &fakeDetector{}
	p := New(testConfig(), det, &fakeExtractor{vecs: [][]float32{{1, 0, 0}}}, testBank(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()

	// workers exit on their own; Stop then returns without timing out
	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, p.Stop())
}

func TestFrameClone(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	f := Frame{Data: []byte{1, 2, 3}, Image: img}

	c := f.clone()
	f.Data[0] = 9
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})

	assert.Equal(t, byte(1), c.Data[0])
	r, _, _, _ := c.Image.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r)
}

func TestFrameDecoded_NoData(t *testing.T) {
	_, err := Frame{}.Decoded()
	assert.Error(t, err)
}

func TestCropFace(t *testing.T) {
	img := testImage()

	crop, err := CropFace(img, facematch.Box{X: 10, Y: 10, W: 20, H: 30}, 16)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), crop.Bounds())

	native, err := CropFace(img, facematch.Box{X: 50, Y: 50, W: 30, H: 30}, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 14, 14), native.Bounds(), "clamped to frame")

	_, err = CropFace(img, facematch.Box{X: 100, Y: 100, W: 10, H: 10}, 16)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
}
