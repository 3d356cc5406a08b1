package inference

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/errdefs"
)

// Fetcher resolves model and label locations to local files. Supported
// locations are filesystem paths, file://, http(s):// and s3://bucket/key.
type Fetcher struct {
	CacheDir string
	HTTP     *resty.Client
	S3       *minio.Client
	Logger   *zap.Logger
}

// Fetch returns a local path holding the artifact at location. Remote
// artifacts are downloaded once into CacheDir.
func (f *Fetcher) Fetch(ctx context.Context, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("%w: empty location", errdefs.ErrModelLoad)
	}

	u, err := url.Parse(location)
	if err != nil || len(u.Scheme) <= 1 {
		// Bare paths, including Windows drive letters.
		return f.local(location)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.local(u.Path)
	case "http", "https":
		return f.remote(location, func(dst string) error {
			return f.download(ctx, location, dst)
		})
	case "s3":
		return f.remote(location, func(dst string) error {
			return f.getObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), dst)
		})
	default:
		return "", fmt.Errorf("%w: unsupported location scheme %q", errdefs.ErrModelLoad, u.Scheme)
	}
}

func (f *Fetcher) local(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errdefs.ErrModelLoad, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", errdefs.ErrModelLoad, p)
	}
	return p, nil
}

func (f *Fetcher) remote(location string, get func(dst string) error) (string, error) {
	dir := f.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "image-classifier")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create cache dir: %w", errdefs.ErrModelLoad, err)
	}

	sum := sha1.Sum([]byte(location))
	target := filepath.Join(dir, hex.EncodeToString(sum[:])+path.Ext(location))
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	tmp := target + ".partial"
	defer os.Remove(tmp)

	if err := get(tmp); err != nil {
		return "", fmt.Errorf("%w: fetch %s: %w", errdefs.ErrModelLoad, location, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("%w: %w", errdefs.ErrModelLoad, err)
	}

	if f.Logger != nil {
		f.Logger.Info("artifact cached", zap.String("location", location), zap.String("path", target))
	}
	return target, nil
}

func (f *Fetcher) download(ctx context.Context, location, dst string) error {
	client := f.HTTP
	if client == nil {
		client = resty.New()
	}
	resp, err := client.R().SetContext(ctx).SetOutput(dst).Get(location)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("unexpected status %s", resp.Status())
	}
	return nil
}

func (f *Fetcher) getObject(ctx context.Context, bucket, key, dst string) error {
	if f.S3 == nil {
		return fmt.Errorf("no object storage client configured for s3://%s/%s", bucket, key)
	}
	return f.S3.FGetObject(ctx, bucket, key, dst, minio.GetObjectOptions{})
}
