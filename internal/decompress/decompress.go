// Package decompress inflates downloaded gzip archives in place.
package decompress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/JakeFAU/domaintext/internal/ingest"
)

const copyBufferSize = 256 * 1024

// Decompressor turns compressed archives into plain files next to them.
type Decompressor struct {
	logger *zap.Logger
}

// New returns a Decompressor.
func New(logger *zap.Logger) *Decompressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decompressor{logger: logger}
}

// Decompress streams archive into a sibling file without the ".gz" suffix and
// removes the source. Multi-member gzip streams are inflated in full.
// On failure both the source and any partial output are removed.
func (d *Decompressor) Decompress(ctx context.Context, archive ingest.LocalArchive) (ingest.LocalArchive, error) {
	if !archive.Compressed {
		return archive, nil
	}
	out := OutputPath(archive.Path)

	written, err := inflate(ctx, archive.Path, out)
	if err != nil {
		_ = os.Remove(out)
		_ = os.Remove(archive.Path)
		d.logger.Warn("decompression failed",
			zap.String("archive", archive.Path),
			zap.Error(err),
		)
		return ingest.LocalArchive{}, fmt.Errorf("%w: %s: %w", ingest.ErrDecompress, archive.Path, err)
	}
	if err := os.Remove(archive.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove compressed archive", zap.String("archive", archive.Path), zap.Error(err))
	}

	d.logger.Debug("archive decompressed",
		zap.String("archive", out),
		zap.Int64("bytes", written),
	)
	return ingest.LocalArchive{Path: out}, nil
}

// OutputPath returns the name a compressed archive is inflated to.
func OutputPath(path string) string {
	if trimmed := strings.TrimSuffix(path, ".gz"); trimmed != path && trimmed != "" {
		return trimmed
	}
	return path + ".out"
}

func inflate(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("read gzip header: %w", err)
	}
	defer zr.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}

	written, copyErr := io.CopyBuffer(out, &ctxReader{ctx: ctx, r: zr}, make([]byte, copyBufferSize))
	closeErr := out.Close()
	if copyErr != nil {
		return written, fmt.Errorf("inflate: %w", copyErr)
	}
	if closeErr != nil {
		return written, fmt.Errorf("close output: %w", closeErr)
	}
	return written, nil
}

// ctxReader stops a long copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
