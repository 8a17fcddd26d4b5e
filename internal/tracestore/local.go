package tracestore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
)

// LocalStore persists trace objects on disk, mimicking object-store layout
// for dev and tests.
type LocalStore struct {
	root string
}

// NewLocalStore creates a filesystem-backed object store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "app-core-traces")
	}
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

var _ ObjectStore = (*LocalStore)(nil)

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, bucket), 0o755)
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.root, bucket, filepath.FromSlash(key)))
}

func (s *LocalStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucketRoot := filepath.Join(s.root, bucket)
	root := filepath.Join(bucketRoot, filepath.FromSlash(prefix))

	var keys []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(bucketRoot, path)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
