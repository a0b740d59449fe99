package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/pipeline"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 8), 100, 255})
		}
	}
	return img
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// readUpload checks the multipart upload and returns the file bytes.
func readUpload(t *testing.T, r *http.Request) []byte {
	t.Helper()
	if r.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", r.Method)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		t.Fatalf("missing file field: %v", err)
	}
	defer file.Close()
	if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("expected image/jpeg part, got %q", ct)
	}
	data, _ := io.ReadAll(file)
	return data
}

func TestDetect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		readUpload(t, r)
		_ = json.NewEncoder(w).Encode(FaceResponse{
			FacesCount: 2,
			Faces: []FaceDetection{
				{FaceIndex: 0, BBox: []float64{10, 20, 50, 80}, DetScore: 0.98},
				{FaceIndex: 1, BBox: []float64{100.4, 10, 140.6, 60}, DetScore: 0.4},
			},
		})
	}))
	defer server.Close()

	tests := []struct {
		name     string
		minScore float64
		want     []facematch.Box
	}{
		{"all faces", 0, []facematch.Box{{X: 10, Y: 20, W: 40, H: 60}, {X: 100, Y: 10, W: 40, H: 50}}},
		{"min score filters", 0.5, []facematch.Box{{X: 10, Y: 20, W: 40, H: 60}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(server.URL+"/", time.Second, WithMinScore(tt.minScore))
			boxes, err := c.Detect(context.Background(), pipeline.Frame{Data: testJPEG(t)})
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if len(boxes) != len(tt.want) {
				t.Fatalf("expected %d boxes, got %d", len(tt.want), len(boxes))
			}
			for i := range boxes {
				if boxes[i] != tt.want[i] {
					t.Errorf("box %d = %+v, want %+v", i, boxes[i], tt.want[i])
				}
			}
		})
	}
}

func TestDetect_EncodesDecodedFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := readUpload(t, r)
		if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
			t.Errorf("upload is not a jpeg: %v", err)
		}
		_, _ = w.Write([]byte(`{"faces_count":0,"faces":[]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	boxes, err := c.Detect(context.Background(), pipeline.Frame{Image: testImage()})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(boxes) != 0 {
		t.Errorf("expected no boxes, got %d", len(boxes))
	}
}

func TestDetect_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		frame   pipeline.Frame
		wantErr bool
	}{
		{"server error", http.StatusInternalServerError, `model not loaded`, pipeline.Frame{Data: []byte("not-empty-image")}, true},
		{"malformed json", http.StatusOK, `{"faces":`, pipeline.Frame{Data: []byte("not-empty-image")}, true},
		{"malformed bbox", http.StatusOK, `{"faces_count":1,"faces":[{"bbox":[1,2,3]}]}`, pipeline.Frame{Data: []byte("not-empty-image")}, true},
		{"no image", http.StatusOK, `{}`, pipeline.Frame{}, true},
		{"no faces", http.StatusOK, `{"faces_count":0}`, pipeline.Frame{Data: []byte("not-empty-image")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(server.URL, time.Second)
			_, err := c.Detect(context.Background(), tt.frame)
			if (err != nil) != tt.wantErr {
				t.Errorf("Detect() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face/aligned" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		readUpload(t, r)
		_, _ = w.Write([]byte(`{"dim":3,"embedding":[0.1,0.2,0.3],"model":"buffalo_l"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	vec, err := c.Embed(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("unexpected embedding %v", vec)
	}
}

func TestEmbed_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty embedding", `{"dim":0,"embedding":[]}`},
		{"dim mismatch", `{"dim":4,"embedding":[1,2]}`},
		{"malformed", `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(server.URL, time.Second)
			if _, err := c.Embed(context.Background(), testImage()); err == nil {
				t.Error("expected error")
			}
		})
	}

	c := NewClient("http://127.0.0.1:1", time.Second)
	if _, err := c.Embed(context.Background(), nil); err == nil {
		t.Error("expected error for nil crop")
	}
}

func TestEmbed_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(server.URL, 5*time.Second)
	if _, err := c.Embed(ctx, testImage()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"gif", []byte("GIF89a\x00\x00"), "image/gif"},
		{"bmp", []byte("BM\x00\x00\x00\x00\x00\x00"), "image/bmp"},
		{"short", []byte{0xFF}, "application/octet-stream"},
		{"unknown", []byte("plain text"), "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMIMEType(tt.data); got != tt.want {
				t.Errorf("detectMIMEType() = %q, want %q", got, tt.want)
			}
		})
	}
}
