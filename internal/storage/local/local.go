// Package local stores uploaded attachments on the local filesystem.
// It backs the attachment endpoint in single-node deployments; the
// storage key it hands out is the file's path relative to the base
// directory.
package local

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hatchbot-ai/engine/internal/chatclient"
)

// Store writes attachment payloads under a base directory.
type Store struct {
	baseDir string
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Upload decodes and persists one attachment. The returned storage key
// is stable across restarts; the original file name is kept as a suffix
// for operator convenience.
func (s *Store) Upload(ctx context.Context, file chatclient.FileUpload) (chatclient.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return chatclient.UploadResult{}, err
	}

	raw, err := base64.StdEncoding.DecodeString(file.Base64)
	if err != nil {
		return chatclient.UploadResult{}, fmt.Errorf("decode attachment %q: %w", file.Name, err)
	}

	key := uuid.NewString() + "-" + sanitizeName(file.Name)
	path := filepath.Join(s.baseDir, key)
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return chatclient.UploadResult{}, fmt.Errorf("write attachment %q: %w", file.Name, err)
	}

	return chatclient.UploadResult{
		FileName:   file.Name,
		StorageKey: &key,
		Size:       int64(len(raw)),
		MimeType:   file.MimeType,
	}, nil
}

// Open returns the stored payload for a key.
func (s *Store) Open(key string) ([]byte, error) {
	clean := filepath.Clean(key)
	if clean != key || strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("bad storage key %q", key)
	}
	return os.ReadFile(filepath.Join(s.baseDir, clean))
}

// sanitizeName strips path separators and control characters from a
// client-supplied file name.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
