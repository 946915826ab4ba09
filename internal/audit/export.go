package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/models"
	"github.com/thebluefowl/reelvault/internal/store"
)

// ExportConfig controls Export. Level is a zstd level, 1..19; 0 means 3.
// Plain disables compression.
type ExportConfig struct {
	Filter models.AccessLogFilter
	Level  int
	Plain  bool
}

// ExportInfo reports what Export wrote.
type ExportInfo struct {
	Entries    int
	BytesIn    int64 // uncompressed JSONL
	BytesOut   int64 // written to the destination
	Savings    float64
	Compressed bool
}

// Export writes the access log to w as one JSON object per line, zstd
// compressed unless cfg.Plain.
func Export(ctx context.Context, src store.AccessLog, w io.Writer, cfg ExportConfig) (*ExportInfo, error) {
	entries, err := src.ListAccessLog(ctx, cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("audit export: %w", err)
	}

	out := &countingWriter{dst: w}
	in := &countingWriter{}
	info := &ExportInfo{Compressed: !cfg.Plain}

	var zw *zstd.Encoder
	if cfg.Plain {
		in.dst = out
	} else {
		zw, err = newZstdEncoder(out, cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: audit export: %w", fault.ErrInternal, err)
		}
		in.dst = zw
	}

	enc := json.NewEncoder(in)
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("%w: audit export: %w", fault.ErrIO, err)
		}
		info.Entries++
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("%w: audit export: %w", fault.ErrIO, err)
		}
	}

	info.BytesIn = in.n
	info.BytesOut = out.n
	if in.n > 0 {
		info.Savings = 1 - float64(out.n)/float64(in.n)
	}
	return info, nil
}

// ReadExport decodes an export written by Export. Compression is detected
// from the zstd frame magic.
func ReadExport(r io.Reader) ([]models.AccessLogEntry, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(4); err == nil && string(magic) == "\x28\xb5\x2f\xfd" {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("audit import: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	var out []models.AccessLogEntry
	dec := json.NewDecoder(src)
	for {
		var e models.AccessLogEntry
		if err := dec.Decode(&e); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("%w: audit import: %w", fault.ErrValidation, err)
		}
		out = append(out, e)
	}
}

type countingWriter struct {
	dst io.Writer
	n   int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.dst.Write(p)
	c.n += int64(n)
	return n, err
}

func newZstdEncoder(w io.Writer, lvl int) (*zstd.Encoder, error) {
	if lvl == 0 {
		lvl = 3
	}
	lvl = min(max(lvl, 1), 19)
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(lvl)),
		zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)),
	)
}
