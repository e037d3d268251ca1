// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/nbkv/internal/store"
)

// Source abstracts where snapshot bytes come from and go to, at startup
// load and on each scheduled export: a local path, a local .gz path, or an
// "s3://bucket/key" location. Only the byte source changes across these —
// the on-disk format and the Keyspace's non-durability guarantee are
// identical regardless of which Source is configured.
type Source interface {
	// Load returns the entries found at this location, or an empty map
	// (not an error) if nothing exists there yet.
	Load(ctx context.Context) (map[string]store.SnapshotEntry, error)
	// Save writes entries to this location, replacing whatever was there.
	Save(ctx context.Context, entries map[string]store.SnapshotEntry) error
}

// NewSource resolves a --dir/--dbfilename pair or an "s3://" dbfilename
// into a concrete Source. A ".gz" suffix selects gzip framing via
// klauspost/pgzip; a ".zst" suffix selects zstd framing via
// klauspost/compress/zstd, mirroring the teacher's per-storage
// gzip/zst compression_mode choice.
func NewSource(ctx context.Context, dir, dbfilename string) (Source, error) {
	if strings.HasPrefix(dbfilename, "s3://") {
		return newS3Source(ctx, dbfilename)
	}

	path := dir + string(os.PathSeparator) + dbfilename
	switch {
	case strings.HasSuffix(dbfilename, ".gz"):
		return &gzipSource{path: path}, nil
	case strings.HasSuffix(dbfilename, ".zst"):
		return &zstdSource{path: path}, nil
	default:
		return &localSource{path: path}, nil
	}
}

// localSource reads/writes a plain snapshot file on local disk.
type localSource struct {
	path string
}

func (s *localSource) Load(_ context.Context) (map[string]store.SnapshotEntry, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return map[string]store.SnapshotEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (s *localSource) Save(_ context.Context, entries map[string]store.SnapshotEntry) error {
	f, err := os.CreateTemp(dirOf(s.path), ".nbkv-snapshot-*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	if err := Write(f, entries); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, os.PathSeparator)
	if i < 0 {
		return "."
	}
	return path[:i]
}

// gzipSource reads/writes a gzip-compressed snapshot file via pgzip,
// grounded on the teacher's use of klauspost/pgzip for parallel gzip I/O
// over backup archives.
type gzipSource struct {
	path string
}

func (s *gzipSource) Load(_ context.Context) (map[string]store.SnapshotEntry, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return map[string]store.SnapshotEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening gzip stream: %w", err)
	}
	defer gz.Close()
	return Load(gz)
}

func (s *gzipSource) Save(_ context.Context, entries map[string]store.SnapshotEntry) error {
	f, err := os.CreateTemp(dirOf(s.path), ".nbkv-snapshot-*.gz")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	gz := pgzip.NewWriter(f)
	if err := Write(gz, entries); err != nil {
		gz.Close()
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// zstdSource reads/writes a zstd-compressed snapshot file, grounded on the
// teacher's StorageInfo.CompressionMode "zst" option (there named but never
// wired to an actual codec in the teacher's own code).
type zstdSource struct {
	path string
}

func (s *zstdSource) Load(_ context.Context) (map[string]store.SnapshotEntry, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return map[string]store.SnapshotEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening zstd stream: %w", err)
	}
	defer zr.Close()
	return Load(zr)
}

func (s *zstdSource) Save(_ context.Context, entries map[string]store.SnapshotEntry) error {
	f, err := os.CreateTemp(dirOf(s.path), ".nbkv-snapshot-*.zst")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("snapshot: opening zstd writer: %w", err)
	}
	if err := Write(zw, entries); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// s3Source reads/writes a snapshot object in S3, grounded on the teacher's
// otherwise-unused aws-sdk-go-v2 dependency: the go.mod already carries
// the full S3 SDK stack without a single call site in the teacher, so this
// gives it the home the rest of the module never did.
type s3Source struct {
	bucket, key string
	client      *s3.Client
}

func newS3Source(ctx context.Context, url string) (*s3Source, error) {
	rest := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("snapshot: invalid s3 url %q, want s3://bucket/key", url)
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: loading aws config: %w", err)
	}
	return &s3Source{bucket: parts[0], key: parts[1], client: s3.NewFromConfig(cfg)}, nil
}

func (s *s3Source) Load(ctx context.Context) (map[string]store.SnapshotEntry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		// A missing object is treated the same as a fresh local node: start
		// empty rather than fail startup.
		return map[string]store.SnapshotEntry{}, nil
	}
	defer out.Body.Close()
	return Load(out.Body)
}

func (s *s3Source) Save(ctx context.Context, entries map[string]store.SnapshotEntry) error {
	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   io.NopCloser(&buf),
	})
	return err
}
