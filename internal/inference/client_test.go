package inference

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{"jpeg", jpegHeader, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"bmp", []byte{0x42, 0x4D, 0, 0, 0, 0, 0, 0}, "image/bmp"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBP"), "image/webp"},
		{"too short", []byte{0xFF, 0xD8}, "application/octet-stream"},
		{"unknown", []byte("plain text data"), "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMIMEType(tt.data); got != tt.expected {
				t.Errorf("detectMIMEType() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("", 0)
	if c.BaseURL() != defaultBaseURL {
		t.Errorf("BaseURL() = %s", c.BaseURL())
	}
	if c.client.Timeout != defaultTimeout {
		t.Errorf("timeout = %v", c.client.Timeout)
	}
	if NewClient("http://svc:9000/", time.Second).BaseURL() != "http://svc:9000" {
		t.Error("trailing slash should be trimmed")
	}
}

func TestComputeFaceEmbeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/embed/face" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			return
		}
		defer file.Close()
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part content type = %s", ct)
		}
		data, _ := io.ReadAll(file)
		if len(data) != len(jpegHeader) {
			t.Errorf("uploaded %d bytes", len(data))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(FaceResponse{
			FacesCount: 1,
			Faces: []FaceDetection{{
				FaceIndex: 0,
				Dim:       3,
				Embedding: []float32{0.1, 0.2, 0.3},
				BBox:      []float64{10, 20, 110, 140},
				DetScore:  0.98,
			}},
			Model: "buffalo_l",
		})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL, time.Second).ComputeFaceEmbeddings(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("ComputeFaceEmbeddings() error = %v", err)
	}
	if resp.FacesCount != 1 || len(resp.Faces) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Faces[0].DetScore != 0.98 || len(resp.Faces[0].Embedding) != 3 {
		t.Errorf("unexpected face %+v", resp.Faces[0])
	}
}

func TestComputePose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/pose" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"persons_count":1,"persons":[{"person_index":0,"keypoints":[{"x":50,"y":10,"score":0.9}],"bbox":[0,0,100,200],"score":0.8}],"model":"rtmpose"}`))
	}))
	defer server.Close()

	resp, err := NewClient(server.URL, time.Second).ComputePose(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("ComputePose() error = %v", err)
	}
	if resp.PersonsCount != 1 || resp.Persons[0].Keypoints[0].X != 50 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
			wantErr: "status 503",
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			wantErr: "failed to parse response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewClient(server.URL, time.Second).ComputeFaceEmbeddings(context.Background(), jpegHeader)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	if err := NewClient(ok.URL, time.Second).Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	if err := NewClient(down.URL, time.Second).Health(context.Background()); err == nil {
		t.Error("expected error for unhealthy service")
	}
}

func TestPoseDetection_Vector(t *testing.T) {
	t.Run("service embedding wins", func(t *testing.T) {
		p := PoseDetection{Embedding: []float32{1, 2}, Keypoints: []Keypoint{{X: 1, Y: 1, Score: 1}}, BBox: []float64{0, 0, 1, 1}}
		if v := p.Vector(); len(v) != 2 || v[1] != 2 {
			t.Errorf("Vector() = %v", v)
		}
	})

	t.Run("translation invariant and unit length", func(t *testing.T) {
		kps := []Keypoint{{X: 10, Y: 0, Score: 1}, {X: 0, Y: 20, Score: 1}, {X: 20, Y: 40, Score: 1}}
		a := PoseDetection{Keypoints: kps, BBox: []float64{0, 0, 20, 40}}

		shifted := make([]Keypoint, len(kps))
		for i, kp := range kps {
			shifted[i] = Keypoint{X: kp.X + 300, Y: kp.Y + 50, Score: 1}
		}
		b := PoseDetection{Keypoints: shifted, BBox: []float64{300, 50, 320, 90}}

		va, vb := a.Vector(), b.Vector()
		if len(va) != 6 || len(vb) != 6 {
			t.Fatalf("unexpected lengths %d %d", len(va), len(vb))
		}
		var norm float64
		for i := range va {
			if math.Abs(float64(va[i]-vb[i])) > 1e-6 {
				t.Errorf("component %d differs: %v vs %v", i, va[i], vb[i])
			}
			norm += float64(va[i]) * float64(va[i])
		}
		if math.Abs(norm-1) > 1e-5 {
			t.Errorf("expected unit vector, norm^2 = %v", norm)
		}
	})

	t.Run("invisible keypoints are zero", func(t *testing.T) {
		p := PoseDetection{Keypoints: []Keypoint{{X: 0, Y: 0, Score: 1}, {X: 5, Y: 5, Score: 0}}, BBox: []float64{0, 0, 10, 10}}
		v := p.Vector()
		if len(v) != 4 || v[2] != 0 || v[3] != 0 {
			t.Errorf("Vector() = %v", v)
		}
	})

	t.Run("degenerate box", func(t *testing.T) {
		p := PoseDetection{Keypoints: []Keypoint{{X: 1, Y: 1, Score: 1}}, BBox: []float64{5, 5, 5, 9}}
		if p.Vector() != nil {
			t.Error("expected nil vector")
		}
	})
}
