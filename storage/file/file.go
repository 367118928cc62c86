// Package file implements storage.KV with one file per key.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/projecteru2/agentvm/storage"
	"github.com/projecteru2/agentvm/utils"
)

const suffix = ".version"

var _ storage.KV = (*KV)(nil)

// KV stores each key as <dir>/<key>.version holding the raw value.
// Writes are atomic (temp + rename), so readers never see a torn token.
type KV struct {
	dir string
}

// New creates a KV rooted at dir. The directory is created on first Set.
func New(dir string) *KV {
	return &KV{dir: dir}
}

func (s *KV) path(key string) string { return filepath.Join(s.dir, key+suffix) }

func (s *KV) Get(_ context.Context, key string) (string, bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.path(key)) //nolint:gosec // key validated
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

func (s *KV) Set(_ context.Context, key, value string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := utils.EnsureDirs(s.dir); err != nil {
		return err
	}
	return utils.AtomicWriteFile(s.path(key), []byte(value+"\n"), 0o644)
}

func (s *KV) Delete(_ context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *KV) Keys(_ context.Context) ([]string, error) {
	return utils.ScanFileStems(s.dir, suffix)
}
