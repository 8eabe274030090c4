package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

// chunkSize is the read granularity of the bounded body reader. The reader
// holds at most maxBytes of accumulated body; the overshoot that detects a
// cap breach is bounded by one chunk.
const chunkSize = 32 * 1024

// ReadBounded streams r into memory up to maxBytes. The instant the
// cumulative count crosses the cap it stops reading and fails SIZE_LIMIT,
// reporting the bytes consumed so far; the partial buffer is discarded. A nil
// or empty stream yields an empty body with zero bytes read.
func ReadBounded(r io.Reader, maxBytes int64) ([]byte, int64, error) {
	if r == nil {
		return []byte{}, 0, nil
	}
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return nil, total, types.NewError(types.KindSizeLimit,
					fmt.Sprintf("body exceeded %d bytes (read %d)", maxBytes, total))
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), total, nil
		}
		if err != nil {
			return nil, total, fmt.Errorf("read body: %w", err)
		}
	}
}

// readResponseBody decodes the response's content encoding and reads the
// result through the bounded reader, so the cap bounds decoded bytes held in
// memory, not wire bytes.
func readResponseBody(resp *http.Response, maxBytes int64) ([]byte, int64, error) {
	if resp == nil || resp.Body == nil {
		return []byte{}, 0, nil
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	return ReadBounded(reader, maxBytes)
}
