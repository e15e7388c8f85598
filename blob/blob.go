// Package blob stores transcripts and audit bundles.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/jxucoder/telerun/apperr"
)

// Ref identifies a stored blob.
type Ref struct {
	BlobPath string `json:"blob_path"`
	BlobURL  string `json:"blob_url"`
	// Digest is the BLAKE3 hex digest of the uncompressed content.
	Digest string `json:"digest"`
	Size   int    `json:"size"`
}

// Store puts and gets blobs by logical path.
type Store interface {
	Put(ctx context.Context, path string, data []byte) (*Ref, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// zstd encoders and decoders are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blob: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blob: zstd decoder initialization failed: " + err.Error())
	}
}

// Digest returns the BLAKE3 hex digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FS is a Store on the local filesystem. Blobs are zstd-compressed on disk
// under Root; logical paths can never escape Root.
type FS struct {
	Root string
}

// NewFS creates a filesystem store rooted at dir.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving blob dir: %w", err)
	}
	return &FS{Root: abs}, nil
}

func (f *FS) resolve(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") {
		return "", apperr.BadRequest("invalid blob path %q", path)
	}
	full, err := securejoin.SecureJoin(f.Root, path+".zst")
	if err != nil {
		return "", fmt.Errorf("resolving blob path: %w", err)
	}
	return full, nil
}

// Put compresses data and writes it atomically.
func (f *FS) Put(ctx context.Context, path string, data []byte) (*Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob parent: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp blob: %w", err)
	}
	if _, err := tmp.Write(encoder.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("renaming blob: %w", err)
	}

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return &Ref{
		BlobPath: path,
		BlobURL:  u.String(),
		Digest:   Digest(data),
		Size:     len(data),
	}, nil
}

// Get reads and decompresses a blob.
func (f *FS) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("blob %s not found", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return data, nil
}
