// Package faceapi is a client for the face detection and embedding server.
package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/pipeline"
)

// ModelName labels stored embeddings produced by this client.
const ModelName = "facenet"

const (
	defaultURL         = "http://localhost:8000"
	defaultTimeout     = 10 * time.Second
	defaultJPEGQuality = 90
)

// Client talks to an InsightFace-style embedding server. It implements
// pipeline.Detector and pipeline.Extractor.
type Client struct {
	baseURL  string
	client   *http.Client
	minScore float64
}

var (
	_ pipeline.Detector  = (*Client)(nil)
	_ pipeline.Extractor = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMinScore drops detections below score.
func WithMinScore(score float64) Option {
	return func(c *Client) { c.minScore = score }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// embeddingResponse represents the response of the aligned-face endpoint
type embeddingResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// Box converts the corner bbox to a facematch.Box.
func (f FaceDetection) Box() (facematch.Box, error) {
	return facematch.BoxFromCorners(f.BBox)
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// postMultipartImage posts imageData as the "file" form field to endpoint.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// DetectFaces detects faces in an encoded image and returns them with their
// embeddings.
func (c *Client) DetectFaces(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	if len(imageData) == 0 {
		return nil, errors.New("empty image")
	}
	body, err := c.postMultipartImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if c.minScore > 0 {
		kept := faceResp.Faces[:0]
		for _, f := range faceResp.Faces {
			if f.DetScore >= c.minScore {
				kept = append(kept, f)
			}
		}
		faceResp.Faces = kept
		faceResp.FacesCount = len(kept)
	}
	return &faceResp, nil
}

// Detect returns the face boxes of a frame. Encoded bytes are sent as is;
// a frame with only a decoded image is JPEG-encoded first.
func (c *Client) Detect(ctx context.Context, frame pipeline.Frame) ([]facematch.Box, error) {
	data := frame.Data
	if len(data) == 0 {
		if frame.Image == nil {
			return nil, errors.New("frame has no image data")
		}
		var err error
		if data, err = encodeJPEG(frame.Image); err != nil {
			return nil, err
		}
	}

	resp, err := c.DetectFaces(ctx, data)
	if err != nil {
		return nil, err
	}

	boxes := make([]facematch.Box, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		b, err := f.Box()
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", f.FaceIndex, err)
		}
		boxes = append(boxes, b)
	}
	return boxes, nil
}

// Embed returns the embedding of an already cropped face.
func (c *Client) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if crop == nil {
		return nil, errors.New("nil crop")
	}
	data, err := encodeJPEG(crop)
	if err != nil {
		return nil, err
	}
	body, err := c.postMultipartImage(ctx, "/embed/face/aligned", data)
	if err != nil {
		return nil, err
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if embResp.Dim != 0 && embResp.Dim != len(embResp.Embedding) {
		return nil, fmt.Errorf("embedding has %d values, server reported dim %d", len(embResp.Embedding), embResp.Dim)
	}
	return embResp.Embedding, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: defaultJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	switch {
	case data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	case data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38:
		return "image/gif"
	case data[0] == 'B' && data[1] == 'M':
		return "image/bmp"
	}
	return "application/octet-stream"
}
