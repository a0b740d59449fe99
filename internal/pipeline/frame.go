package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/track"
)

// Frame is one captured video frame. Data holds the encoded image (JPEG/PNG);
// Image, when set, is the decoded form and saves the worker a decode.
type Frame struct {
	Seq        uint64
	Data       []byte
	Image      image.Image
	CapturedAt time.Time
}

// clone returns a copy that shares no memory with f, so the capture side can
// reuse its buffers as soon as Submit returns.
func (f Frame) clone() Frame {
	out := Frame{Seq: f.Seq, CapturedAt: f.CapturedAt}
	if len(f.Data) > 0 {
		out.Data = make([]byte, len(f.Data))
		copy(out.Data, f.Data)
	}
	if f.Image != nil {
		b := f.Image.Bounds()
		dst := image.NewRGBA(b)
		draw.Copy(dst, b.Min, f.Image, b, draw.Src, nil)
		out.Image = dst
	}
	return out
}

// Decoded returns the frame image, decoding Data when Image is unset.
func (f Frame) Decoded() (image.Image, error) {
	if f.Image != nil {
		return f.Image, nil
	}
	if len(f.Data) == 0 {
		return nil, errors.New("frame has no image data")
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Detector finds face boxes in a frame. Zero boxes with a nil error means no faces.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]facematch.Box, error)
}

// Extractor turns a cropped face into an embedding vector.
type Extractor interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
}

// Detection is a face found in a frame together with its crop.
type Detection struct {
	Box  facematch.Box
	Crop image.Image
}

// Recognition is the per-face output of one processing cycle.
type Recognition struct {
	Box        facematch.Box       `json:"box"`
	Key        string              `json:"track"`
	IdentityID string              `json:"identity_id"`
	Confidence float64             `json:"confidence"`
	Raw        bank.CandidateMatch `json:"raw"`
}

// Stable returns the smoothed identity as a track.Stable.
func (r Recognition) Stable() track.Stable {
	return track.Stable{IdentityID: r.IdentityID, Confidence: r.Confidence}
}

// Result is everything recognized in one frame.
type Result struct {
	Seq          uint64        `json:"seq"`
	CapturedAt   time.Time     `json:"captured_at"`
	ProcessedAt  time.Time     `json:"processed_at"`
	Recognitions []Recognition `json:"recognitions"`
}

func (r *Result) clone() Result {
	out := *r
	if r.Recognitions != nil {
		out.Recognitions = make([]Recognition, len(r.Recognitions))
		copy(out.Recognitions, r.Recognitions)
	}
	return out
}
