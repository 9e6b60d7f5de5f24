package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rewrite-proxy-go/internal/media"
	"rewrite-proxy-go/internal/metrics"
)

type fakeMedia struct {
	info      *media.Info
	err       error
	chunks    []string
	streamErr error

	gotURL    string
	gotFormat string
}

func (f *fakeMedia) Info(_ context.Context, pageURL string) (*media.Info, error) {
	f.gotURL = pageURL
	return f.info, f.err
}

func (f *fakeMedia) Stream(_ context.Context, pageURL, format string, w io.Writer) error {
	f.gotURL, f.gotFormat = pageURL, format
	for _, c := range f.chunks {
		if _, err := io.WriteString(w, c); err != nil {
			return err
		}
	}
	return f.streamErr
}

func serveMedia(t *testing.T, handle func(echo.Context) error, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	if err := handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	return rec
}

func TestMediaHandler_Info(t *testing.T) {
	src := &fakeMedia{info: &media.Info{
		Title:   "clip",
		Formats: []media.Format{{ID: "22", Label: "720p", Height: 720}},
	}}
	h := NewMediaHandler(src, discardLogger(), nil)

	rec := serveMedia(t, h.Info, "/video-info?url=https%3A%2F%2Fvideo.example%2Fw%3Fv%3D1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if src.gotURL != "https://video.example/w?v=1" {
		t.Errorf("url = %q", src.gotURL)
	}

	var body media.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Title != "clip" || len(body.Formats) != 1 || body.Formats[0].Label != "720p" {
		t.Errorf("body = %+v", body)
	}
}

func TestMediaHandler_InfoErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid url", fmt.Errorf("%w: %q", media.ErrInvalidURL, ""), http.StatusBadRequest},
		{"timeout", media.ErrTimeout, http.StatusGatewayTimeout},
		{"extractor", fmt.Errorf("%w: exit status 1", media.ErrExtractor), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMediaHandler(&fakeMedia{err: tt.err}, discardLogger(), nil)
			rec := serveMedia(t, h.Info, "/video-info")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestMediaHandler_Stream(t *testing.T) {
	src := &fakeMedia{chunks: []string{"\x00\x00\x00\x18ftyp", "mp42"}}
	h := NewMediaHandler(src, discardLogger(), nil)

	rec := serveMedia(t, h.Stream, "/video-stream?url=https%3A%2F%2Fvideo.example%2Fw&format=18")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := rec.Body.String(); got != "\x00\x00\x00\x18ftypmp42" {
		t.Errorf("body = %q", got)
	}
	if src.gotFormat != "18" {
		t.Errorf("format = %q, want 18", src.gotFormat)
	}
	if !rec.Flushed {
		t.Error("stream chunks were not flushed")
	}
}

func TestMediaHandler_StreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		src        *fakeMedia
		wantStatus int
		wantBody   string
	}{
		{
			name:       "rejected format before output",
			src:        &fakeMedia{streamErr: media.ErrInvalidFormat},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "extractor fails before output",
			src:        &fakeMedia{streamErr: media.ErrExtractor},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "extractor fails mid-stream",
			src:        &fakeMedia{chunks: []string{"partial"}, streamErr: media.ErrExtractor},
			wantStatus: http.StatusOK,
			wantBody:   "partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMediaHandler(tt.src, discardLogger(), nil)
			rec := serveMedia(t, h.Stream, "/video-stream?url=https%3A%2F%2Fvideo.example%2Fw")

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMediaHandler_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	h := NewMediaHandler(&fakeMedia{info: &media.Info{Title: "t"}, chunks: []string{"x"}}, discardLogger(), m)

	serveMedia(t, h.Info, "/info?url=x")
	serveMedia(t, h.Stream, "/stream?url=x")
	serveMedia(t, NewMediaHandler(&fakeMedia{err: media.ErrTimeout}, discardLogger(), m).Info, "/info?url=x")

	tests := []struct {
		op, result string
		want       float64
	}{
		{"info", "ok", 1},
		{"info", "error", 1},
		{"stream", "ok", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.MediaRequests.WithLabelValues(tt.op, tt.result)); got != tt.want {
			t.Errorf("media_requests{op=%q,result=%q} = %v, want %v", tt.op, tt.result, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(m.MediaStreamsActive); got != 0 {
		t.Errorf("media_streams_in_flight = %v, want 0 after the stream ends", got)
	}
}
