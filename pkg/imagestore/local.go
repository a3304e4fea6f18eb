package imagestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Local writes images into a directory served by the gateway.
type Local struct {
	dir     string
	baseURL string
	log     *slog.Logger
}

// NewLocal creates dir if needed. baseURL must end where the gateway mounts
// the directory, e.g. https://bot.example.com/images/.
func NewLocal(dir, baseURL string, log *slog.Logger) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: image dir is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Local{dir: dir, baseURL: baseURL, log: log.With("component", "imagestore.local")}, nil
}

// Dir is the directory the gateway should serve.
func (l *Local) Dir() string { return l.dir }

func (l *Local) Save(_ context.Context, name string, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("save image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("save image: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("save image: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("save image: %w", err)
	}

	l.log.Debug("Image saved", "name", name, "bytes", len(data))
	return l.baseURL + name, nil
}
