package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// metaSuffix names the sidecar file holding a blob's metadata.
const metaSuffix = ".meta.json"

// DirBlobStore keeps blobs as files under a root directory, with metadata in
// a JSON sidecar next to each file. Files placed in the directory by other
// means (for example schema documents checked into a repository) are served
// with metadata computed on read.
type DirBlobStore struct {
	root string
	mu   sync.Mutex
}

// NewDirBlobStore creates root if needed and returns a store over it.
func NewDirBlobStore(root string) (*DirBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &DirBlobStore{root: root}, nil
}

func (s *DirBlobStore) file(key string) (string, string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes content to a temporary file and renames it into place.
func (s *DirBlobStore) Put(_ context.Context, key, contentType string, content io.Reader, tags map[string]string) (*BlobMetadata, error) {
	key, file, err := s.file(key)
	if err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = ContentTypeBinary
	}
	meta := BlobMetadata{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
		Tags:        copyTags(tags),
	}
	sidecar, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	if err := writeAtomic(file, data); err != nil {
		return nil, err
	}
	if err := writeAtomic(file+metaSuffix, sidecar); err != nil {
		return nil, err
	}
	return &meta, nil
}

func writeAtomic(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, name); err != nil {
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	return nil
}

func (s *DirBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	key, file, err := s.file(key)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", key, err)
	}
	meta, err := s.stat(key, file, data)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (s *DirBlobStore) Stat(_ context.Context, key string) (*BlobMetadata, error) {
	key, file, err := s.file(key)
	if err != nil {
		return nil, err
	}
	return s.stat(key, file, nil)
}

// stat reads the sidecar, or derives metadata from the file itself.
func (s *DirBlobStore) stat(key, file string, data []byte) (*BlobMetadata, error) {
	if raw, err := os.ReadFile(file + metaSuffix); err == nil {
		var meta BlobMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", key, err)
		}
		return &meta, nil
	}

	info, err := os.Stat(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		if data, err = os.ReadFile(file); err != nil {
			return nil, err
		}
	}
	_, hash, err := readLimited(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &BlobMetadata{
		Key:         key,
		ContentType: contentTypeFor(key),
		Size:        info.Size(),
		Hash:        hash,
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}

func (s *DirBlobStore) Delete(_ context.Context, key string) error {
	key, file, err := s.file(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return err
	}
	_ = os.Remove(file + metaSuffix)
	return nil
}

func (s *DirBlobStore) List(_ context.Context, prefix string) ([]*BlobMetadata, error) {
	var out []*BlobMetadata
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, metaSuffix) || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := s.stat(key, p, nil)
		if err != nil {
			return err
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".hl7":
		return ContentTypeHL7
	case ".ndjson", ".fhir":
		return ContentTypeFHIR
	case ".csv":
		return ContentTypeCSV
	case ".yml", ".yaml":
		return ContentTypeYAML
	}
	return ContentTypeBinary
}
