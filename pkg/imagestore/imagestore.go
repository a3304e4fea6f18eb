// Package imagestore hosts generated images at a URL the messaging
// platforms can fetch.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"botfleet/pkg/config"
)

var (
	ErrInvalidConfig = errors.New("invalid image store config")
	ErrEmptyImage    = errors.New("empty image")
)

// Store persists image bytes and returns their public URL.
type Store interface {
	Save(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// New builds the backend selected by cfg. publicURL is the service's own
// external base URL, used by the local backend.
func New(ctx context.Context, cfg config.ImageConfig, publicURL string, log *slog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "local":
		return NewLocal(cfg.Dir, strings.TrimRight(publicURL, "/")+RoutePrefix, log)
	case "s3":
		return NewS3(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		}, log)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

// RoutePrefix is where the gateway serves the local backend's directory.
const RoutePrefix = "/images/"

// NewName returns a collision-free object name with the extension for
// contentType.
func NewName(contentType string) string {
	return uuid.NewString() + extension(contentType)
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// cleanName rejects names that could escape the store's namespace.
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || path.Clean(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("%w: bad object name %q", ErrInvalidConfig, name)
	}
	return name, nil
}
