package files

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jacentio/doccontext/model"
)

// MemoryStore is a BlobStore held in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]File
	now   func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]File), now: time.Now}
}

var _ BlobStore = (*MemoryStore)(nil)

func (s *MemoryStore) Put(ctx context.Context, f File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = uuid.NewString()
	f.Data = slices.Clone(f.Data)
	f.Length = int64(len(f.Data))
	f.Metadata = maps.Clone(f.Metadata)
	f.UploadedAt = s.now().UTC()
	s.files[f.ID] = f
	return f.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	f.Data = slices.Clone(f.Data)
	f.Metadata = maps.Clone(f.Metadata)
	return f, nil
}

func (s *MemoryStore) Stat(ctx context.Context, id string) (File, error) {
	f, err := s.Get(ctx, id)
	f.Data = nil
	return f, err
}

func (s *MemoryStore) FindByName(ctx context.Context, name string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found File
		ok    bool
	)
	for _, f := range s.files {
		if f.Name != name {
			continue
		}
		if !ok || f.UploadedAt.After(found.UploadedAt) {
			found, ok = f, true
		}
	}
	if !ok {
		return File{}, ErrNotFound
	}
	found.Data = nil
	found.Metadata = maps.Clone(found.Metadata)
	return found, nil
}

// List returns files ordered by upload time.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]File, 0, len(s.files))
	for _, f := range s.files {
		f.Data = nil
		f.Metadata = maps.Clone(f.Metadata)
		out = append(out, f)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b File) int {
		if c := a.UploadedAt.Compare(b.UploadedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) Rename(ctx context.Context, id, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return ErrNotFound
	}
	f.Name = name
	s.files[id] = f
	return nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// MemoryProvider returns a Provider handing out one MemoryStore per
// database and bucket.
func MemoryProvider() Provider {
	stores := xsync.NewMapOf[string, *MemoryStore]()
	return func(_ context.Context, m model.Model) (BlobStore, error) {
		key := m.Database + "/" + m.Files().BucketName
		s, _ := stores.LoadOrCompute(key, NewMemoryStore)
		return s, nil
	}
}
