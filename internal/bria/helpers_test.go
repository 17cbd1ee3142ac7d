package bria

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"

	"bria-masktools/internal/pixel"
)

const testAPIKey = "test-key-0123456789"

// briaStub 模拟 Bria 接口与结果下载地址
type briaStub struct {
	srv      *httptest.Server
	mux      *http.ServeMux
	apiCalls int32
}

func newBriaStub(t *testing.T) *briaStub {
	t.Helper()
	s := &briaStub{mux: http.NewServeMux()}
	s.srv = httptest.NewServer(s.mux)
	t.Cleanup(s.srv.Close)
	return s
}

// handleAPI 注册接口路径，每次调用计数
func (s *briaStub) handleAPI(path string, h http.HandlerFunc) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.apiCalls, 1)
		h(w, r)
	})
}

// serveFile 注册一个下载地址并返回完整 URL
func (s *briaStub) serveFile(path, contentType string, data []byte) string {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	})
	return s.srv.URL + path
}

func (s *briaStub) calls() int {
	return int(atomic.LoadInt32(&s.apiCalls))
}

func newTestClient(t *testing.T, s *briaStub, mutate func(cfg *Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:      s.srv.URL,
		APIKey:       testAPIKey,
		RetryBackoff: -1,
		HTTPClient:   s.srv.Client(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func rgbaBitmap(w, h int) pixel.Bitmap {
	b := pixel.NewBitmap(w, h, pixel.FormatRGBA32)
	for i := 0; i < len(b.Pix); i += 4 {
		b.Pix[i] = 200
		b.Pix[i+1] = 100
		b.Pix[i+2] = 50
		b.Pix[i+3] = 255
	}
	return b
}

func grayBitmap(w, h int, v byte) pixel.Bitmap {
	b := pixel.NewBitmap(w, h, pixel.FormatGray8)
	for i := range b.Pix {
		b.Pix[i] = v
	}
	return b
}

func grayPNG(t *testing.T, w, h int, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func rgbaPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// noisePNG 随机噪声几乎不可压缩，用来构造超过大小限制的条目
func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type zipEntry struct {
	name string
	data []byte
}

func buildZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("zip create %s: %v", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			t.Fatalf("zip write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func resultNames(r *OperationResult) []string {
	names := make([]string, 0, len(r.Results))
	for _, l := range r.Results {
		names = append(names, l.Name)
	}
	return names
}
