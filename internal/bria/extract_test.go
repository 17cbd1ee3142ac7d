package bria

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"bria-masktools/internal/pixel"
)

// maskGenerateStub 写回 body 作为 /objects/mask_generator 的响应
func maskGenerateStub(t *testing.T, body func(s *briaStub) string) (*briaStub, *Client) {
	t.Helper()
	s := newBriaStub(t)
	payload := body(s)
	s.handleAPI("/objects/mask_generator", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, payload)
	})
	return s, newTestClient(t, s, nil)
}

func TestGenerateMasks_ArchiveOrderingAndFiltering(t *testing.T) {
	s, c := maskGenerateStub(t, func(s *briaStub) string {
		archive := buildZip(t, []zipEntry{
			{name: "masks/", data: nil},
			{name: "mask_2.png", data: grayPNG(t, 8, 8, 2)},
			{name: "mask_10.png", data: grayPNG(t, 8, 8, 10)},
			{name: "panoptic_1.png", data: grayPNG(t, 8, 8, 99)},
			{name: "extra.png", data: grayPNG(t, 8, 8, 77)},
			{name: "mask_1.png", data: grayPNG(t, 8, 8, 1)},
			{name: "broken_3.png", data: []byte("not a png")},
			{name: "../escape_4.png", data: grayPNG(t, 8, 8, 4)},
			{name: "/abs_5.png", data: grayPNG(t, 8, 8, 5)},
			{name: `C:\win_6.png`, data: grayPNG(t, 8, 8, 6)},
		})
		url := s.serveFile("/results/masks.zip", "application/zip", archive)
		return `{"objects_masks":"` + url + `"}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(16, 16), pixel.TransparencyMask, RequestOptions{})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err())
	}
	if s.calls() != 1 {
		t.Fatalf("expected 1 API call, got %d", s.calls())
	}

	want := []string{"Object Mask 1", "Object Mask 2", "Object Mask 10", "Mask 4"}
	got := resultNames(res)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", got, want)
	}

	wantLevels := []byte{1, 2, 10, 77}
	for i, l := range res.Results {
		// 蒙版缩放回输入图尺寸
		if l.Layer.Width != 16 || l.Layer.Height != 16 || len(l.Layer.Data) != 256 {
			t.Fatalf("%s: layer %dx%d len=%d", l.Name, l.Layer.Width, l.Layer.Height, len(l.Layer.Data))
		}
		if l.Layer.Kind != pixel.TransparencyMask {
			t.Fatalf("%s: kind %s", l.Name, l.Layer.Kind)
		}
		if l.Layer.Data[0] != wantLevels[i] {
			t.Fatalf("%s: level %d, want %d", l.Name, l.Layer.Data[0], wantLevels[i])
		}
		if l.Bitmap.Width != 8 {
			t.Fatalf("%s: original bitmap should be kept at 8px", l.Name)
		}
	}
}

func TestGenerateMasks_SelectionMaskBinarized(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		archive := buildZip(t, []zipEntry{
			{name: "mask_1.png", data: grayPNG(t, 4, 4, 200)},
			{name: "mask_2.png", data: grayPNG(t, 4, 4, 60)},
		})
		url := s.serveFile("/results/masks.zip", "application/zip", archive)
		return `{"objects_masks":"` + url + `"}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.SelectionMask, RequestOptions{})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err())
	}
	for i, want := range []byte{255, 0} {
		for _, v := range res.Results[i].Layer.Data {
			if v != want {
				t.Fatalf("%s: value %d, want %d", res.Results[i].Name, v, want)
			}
		}
	}
}

func TestGenerateMasks_ArchiveSizeLimits(t *testing.T) {
	s := newBriaStub(t)
	archive := buildZip(t, []zipEntry{
		{name: "mask_1.png", data: noisePNG(t, 64, 64)},
		{name: "mask_2.png", data: grayPNG(t, 4, 4, 2)},
		{name: "mask_3.png", data: grayPNG(t, 4, 4, 3)},
	})
	url := s.serveFile("/results/masks.zip", "application/zip", archive)
	s.handleAPI("/objects/mask_generator", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"objects_masks":"`+url+`"}`)
	})

	small := int64(len(grayPNG(t, 4, 4, 2)))
	c := newTestClient(t, s, func(cfg *Config) {
		cfg.MaxEntryBytes = 4096
		// 只容得下一个小条目
		cfg.MaxArchiveBytes = small + small/2
	})

	masks, isArchive := c.readMaskArchive(newInvocation(MaskGenerate), archive)
	if !isArchive {
		t.Fatal("expected archive")
	}
	if len(masks) != 1 || masks[0].name != "Object Mask 2" {
		names := make([]string, 0, len(masks))
		for _, m := range masks {
			names = append(names, m.name)
		}
		t.Fatalf("masks = %v, want [Object Mask 2]", names)
	}
}

func TestGenerateMasks_OversizedEntryOnly(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		archive := buildZip(t, []zipEntry{
			{name: "mask_1.png", data: noisePNG(t, 64, 64)},
			{name: "mask_2.png", data: grayPNG(t, 4, 4, 2)},
		})
		url := s.serveFile("/results/masks.zip", "application/zip", archive)
		return `{"objects_masks":"` + url + `"}`
	})
	c.maxEntryBytes = 4096

	res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.TransparencyMask, RequestOptions{})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err())
	}
	if got := resultNames(res); len(got) != 1 || got[0] != "Object Mask 2" {
		t.Fatalf("names = %v", got)
	}
}

func TestGenerateMasks_ArchiveWithoutValidEntries(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		archive := buildZip(t, []zipEntry{
			{name: "panoptic_1.png", data: grayPNG(t, 4, 4, 1)},
			{name: "../mask_2.png", data: grayPNG(t, 4, 4, 2)},
			{name: "mask_3.png", data: []byte("corrupt")},
		})
		url := s.serveFile("/results/masks.zip", "application/zip", archive)
		return `{"objects_masks":"` + url + `"}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.TransparencyMask, RequestOptions{})
	if res.OK() || res.Failure.Kind != KindNoValidResults {
		t.Fatalf("expected NoValidResults, got %v", res.Err())
	}
}

func TestGenerateMasks_SingleImageFallback(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		url := s.serveFile("/results/mask.png", "image/png", grayPNG(t, 8, 4, 180))
		return `{"objects_masks":"` + url + `"}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(16, 8), pixel.TransparencyMask, RequestOptions{})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err())
	}
	if got := resultNames(res); len(got) != 1 || got[0] != "Generated Mask" {
		t.Fatalf("names = %v", got)
	}
	if l := res.Results[0].Layer; l.Width != 16 || l.Height != 8 {
		t.Fatalf("layer %dx%d, want 16x8", l.Width, l.Height)
	}
}

func TestGenerateMasks_CorruptSingleResource(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		url := s.serveFile("/results/mask.png", "image/png", []byte("neither zip nor image"))
		return `{"objects_masks":"` + url + `"}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.TransparencyMask, RequestOptions{})
	if res.OK() || res.Failure.Kind != KindNoValidResults {
		t.Fatalf("expected NoValidResults, got %v", res.Err())
	}
}

func TestGenerateMasks_ObjectsMasksDownloadFails(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		return `{"objects_masks":"` + s.srv.URL + `/results/gone.zip"}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.TransparencyMask, RequestOptions{})
	if res.OK() || res.Failure.Kind != KindNetworkError {
		t.Fatalf("expected NetworkError, got %v", res.Err())
	}
}

func TestGenerateMasks_PartialListFailure(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		urlB := s.serveFile("/results/b.png", "image/png", grayPNG(t, 4, 4, 128))
		urlA := s.srv.URL + "/results/a.png"
		return `{"masks":["` + urlA + `","` + urlB + `"]}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.TransparencyMask, RequestOptions{})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err())
	}
	if got := resultNames(res); len(got) != 1 || got[0] != "Mask 1" {
		t.Fatalf("names = %v", got)
	}
	if res.Results[0].Layer.Data[0] != 128 {
		t.Fatalf("result should come from the second URL")
	}
}

func TestGenerateMasks_ListSkipsNonStrings(t *testing.T) {
	_, c := maskGenerateStub(t, func(s *briaStub) string {
		url := s.serveFile("/results/b.png", "image/png", grayPNG(t, 4, 4, 128))
		return `{"masks":[42, null, "", "` + url + `", "` + url + `"]}`
	})

	res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.TransparencyMask, RequestOptions{})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err())
	}
	if got := resultNames(res); strings.Join(got, ",") != "Mask 1,Mask 2" {
		t.Fatalf("names = %v", got)
	}
}

func TestGenerateMasks_ShapeFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		want FailureKind
	}{
		{name: "empty list", body: `{"masks":[]}`, want: KindNoValidResults},
		{name: "neither key", body: `{"status":"done"}`, want: KindMissingResult},
		{name: "null keys", body: `{"objects_masks":null,"masks":null}`, want: KindMissingResult},
		{name: "empty objects_masks", body: `{"objects_masks":""}`, want: KindMissingResult},
		{name: "masks not a list", body: `{"masks":"https://example.com/a.png"}`, want: KindInvalidResponse},
		{name: "objects_masks number", body: `{"objects_masks":7}`, want: KindInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, c := maskGenerateStub(t, func(s *briaStub) string { return tc.body })
			res := c.GenerateMasks(context.Background(), rgbaBitmap(4, 4), pixel.TransparencyMask, RequestOptions{})
			if res.OK() || res.Failure.Kind != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, res.Err())
			}
		})
	}
}

func TestMaskNumber(t *testing.T) {
	cases := []struct {
		name string
		n    int
		ok   bool
	}{
		{"mask_12.png", 12, true},
		{"object_mask_3.jpg", 3, true},
		{"mask12.png", 0, false},
		{"mask_.png", 0, false},
		{"extra.png", 0, false},
	}
	for _, tc := range cases {
		n, ok := maskNumber(tc.name)
		if n != tc.n || ok != tc.ok {
			t.Errorf("maskNumber(%q) = %d,%v want %d,%v", tc.name, n, ok, tc.n, tc.ok)
		}
	}
}

func TestUnsafeEntryName(t *testing.T) {
	cases := map[string]bool{
		"mask_1.png":        false,
		"masks/mask_1.png":  false,
		"../mask_1.png":     true,
		"masks/../../etc":   true,
		"/etc/passwd":       true,
		`\windows\mask.png`: true,
		`C:\masks\mask.png`: true,
	}
	for name, want := range cases {
		if got := unsafeEntryName(name); got != want {
			t.Errorf("unsafeEntryName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMaskGenerate_RequestScalesInput(t *testing.T) {
	s := newBriaStub(t)
	url := s.serveFile("/results/mask.png", "image/png", grayPNG(t, 800, 400, 255))
	s.handleAPI("/objects/mask_generator", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"objects_masks":"`+url+`"}`)
	})
	c := newTestClient(t, s, nil)

	req := Request{Operation: MaskGenerate, Image: rgbaBitmap(1600, 800), Options: RequestOptions{}}
	encoded, ferr := c.encode(req)
	if ferr != nil {
		t.Fatalf("encode: %v", ferr)
	}
	if encoded.contentType != "application/json" {
		t.Fatalf("content type %s", encoded.contentType)
	}

	res := c.Run(context.Background(), req)
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err())
	}
	// 800px 的结果缩放回原始 1600x800
	if l := res.Results[0].Layer; l.Width != 1600 || l.Height != 800 || len(l.Data) != 1600*800 {
		t.Fatalf("layer %dx%d len=%d", l.Width, l.Height, len(l.Data))
	}
}
