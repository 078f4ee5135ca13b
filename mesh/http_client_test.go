package mesh

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// boxSTL returns a binary STL of a closed box.
func boxSTL(t *testing.T) []byte {
	t.Helper()
	box := NewBox(r3.Vec{}, r3.Vec{X: 2, Y: 3, Z: 4})
	var buf bytes.Buffer
	if err := WriteSTL(&buf, &box); err != nil {
		t.Fatalf("WriteSTL: %v", err)
	}
	return buf.Bytes()
}

func TestFetchMesh_Success(t *testing.T) {
	body := boxSTL(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept"), "model/stl") {
			t.Errorf("expected Accept to include model/stl, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "model/stl")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m, err := FetchMesh(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchMesh() error: %v", err)
	}
	if len(m.Vertices) != 8 || len(m.Faces) != 12 {
		t.Errorf("mesh has %d vertices and %d faces, want 8 and 12", len(m.Vertices), len(m.Faces))
	}
}

func TestFetchMesh_EmptyURL(t *testing.T) {
	_, err := FetchMesh(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
	if !strings.Contains(err.Error(), "URL is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchMesh_ServerError_Retries(t *testing.T) {
	body := boxSTL(t)
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m, err := FetchMesh(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("FetchMesh() error: %v", err)
	}
	if m == nil {
		t.Fatal("FetchMesh() returned nil mesh")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestFetchMesh_AllRetriesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := FetchMesh(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(2),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "all 2 attempts failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchMesh_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchMesh(ctx, srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchMesh_Timeout(t *testing.T) {
	body := boxSTL(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	_, err := FetchMesh(context.Background(), srv.URL,
		WithTimeout(10*time.Millisecond),
		WithMaxRetries(1),
	)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFetchMesh_NoRetryOnParseError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		_, _ = w.Write(make([]byte, 84)) // binary header with no triangles
	}))
	defer srv.Close()

	_, err := FetchMesh(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithMaxRetries(3),
		WithBaseBackoff(1*time.Millisecond),
	)
	if err == nil {
		t.Fatal("expected error for an STL without triangles")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected 1 attempt (no retry on parse error), got %d", got)
	}
}

func TestFetchMesh_HTTPS(t *testing.T) {
	body := boxSTL(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m, err := FetchMesh(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("FetchMesh() HTTPS error: %v", err)
	}
	if m == nil {
		t.Fatal("FetchMesh() returned nil mesh")
	}
}

func TestSTLStore_LoadsURL(t *testing.T) {
	body := boxSTL(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m, err := NewSTLStore().Load(context.Background(), srv.URL+"/specimens/box.stl")
	if err != nil {
		t.Fatalf("Load(url) error: %v", err)
	}
	if len(m.Faces) != 12 {
		t.Errorf("faces = %d, want 12", len(m.Faces))
	}
}

func TestSTLStore_LoadURLHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSTLStore().Load(ctx, srv.URL+"/box.stl")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Load error = %v, want context.Canceled", err)
	}
}

func TestFetchOptions_Defaults(t *testing.T) {
	cfg := defaultFetchConfig()
	if cfg.timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", cfg.timeout)
	}
	if cfg.maxRetries != 3 {
		t.Errorf("default maxRetries = %d, want 3", cfg.maxRetries)
	}
	if cfg.baseBackoff != 500*time.Millisecond {
		t.Errorf("default baseBackoff = %v, want 500ms", cfg.baseBackoff)
	}
	if cfg.client != nil {
		t.Error("default client should be nil")
	}
	if cfg.weldTolerance != 0 {
		t.Errorf("default weldTolerance = %v, want 0", cfg.weldTolerance)
	}
}
