package fetch

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

func TestReadBoundedUnderCap(t *testing.T) {
	payload := strings.Repeat("x", 1000)
	body, n, err := ReadBounded(strings.NewReader(payload), 4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1000 || len(body) != 1000 {
		t.Fatalf("read %d bytes (body %d), want 1000", n, len(body))
	}
}

func TestReadBoundedExactCap(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 4096)
	body, n, err := ReadBounded(bytes.NewReader(payload), 4096)
	if err != nil {
		t.Fatalf("cap-sized body must succeed: %v", err)
	}
	if n != 4096 || len(body) != 4096 {
		t.Fatalf("read %d bytes, want 4096", n)
	}
}

func TestReadBoundedOverCap(t *testing.T) {
	const max = 64 * 1024
	payload := bytes.Repeat([]byte("z"), max*4)
	body, n, err := ReadBounded(bytes.NewReader(payload), max)
	if err == nil {
		t.Fatal("expected SIZE_LIMIT, got nil")
	}
	if kind := types.KindOf(err); kind != types.KindSizeLimit {
		t.Fatalf("expected kind %s, got %s", types.KindSizeLimit, kind)
	}
	if body != nil {
		t.Fatal("partial buffer must be discarded on SIZE_LIMIT")
	}
	// The overshoot that detects the breach is bounded by one chunk.
	if n <= max || n > max+chunkSize {
		t.Fatalf("bytesRead = %d, want in (%d, %d]", n, max, max+chunkSize)
	}
}

func TestReadBoundedEmptyAndNil(t *testing.T) {
	body, n, err := ReadBounded(strings.NewReader(""), 1024)
	if err != nil || n != 0 || len(body) != 0 {
		t.Fatalf("empty stream: body=%d n=%d err=%v", len(body), n, err)
	}
	body, n, err = ReadBounded(nil, 1024)
	if err != nil || n != 0 || len(body) != 0 {
		t.Fatalf("nil stream: body=%d n=%d err=%v", len(body), n, err)
	}
}

func TestReadResponseBodyGzip(t *testing.T) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write([]byte("hello gzip world")); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(&compressed),
	}
	body, n, err := readResponseBody(resp, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "hello gzip world" {
		t.Fatalf("decoded body = %q", body)
	}
	if n != int64(len("hello gzip world")) {
		t.Fatalf("n = %d, want decoded length", n)
	}
}

func TestReadResponseBodyCapBoundsDecodedBytes(t *testing.T) {
	// A small compressed payload that inflates past the cap must still fail.
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(bytes.Repeat([]byte("a"), 256*1024)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(&compressed),
	}
	_, _, err := readResponseBody(resp, 16*1024)
	if kind := types.KindOf(err); kind != types.KindSizeLimit {
		t.Fatalf("expected SIZE_LIMIT on decoded overflow, got %v", err)
	}
}
