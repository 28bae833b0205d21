// Package blobstore stores report bodies and configuration documents by key.
// It defines the BlobStore interface, an in-memory implementation for tests
// and development, a directory-backed implementation, and Echo HTTP handlers
// for download, metadata retrieval, listing and deletion.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("blob exceeds maximum allowed size")
	ErrInvalidKey   = errors.New("invalid blob key")
)

// MaxBlobSize is the maximum allowed blob size in bytes (100 MB).
const MaxBlobSize = 100 * 1024 * 1024

// Content types of stored report bodies.
const (
	ContentTypeHL7    = "application/hl7-v2"
	ContentTypeFHIR   = "application/fhir+ndjson"
	ContentTypeCSV    = "text/csv"
	ContentTypeYAML   = "application/yaml"
	ContentTypeBinary = "application/octet-stream"
)

// BlobMetadata describes a stored blob. Hash is the hex SHA-256 of the
// content and doubles as its revision.
type BlobMetadata struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content io.Reader, tags map[string]string) (*BlobMetadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Stat(ctx context.Context, key string) (*BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]*BlobMetadata, error)
}

// CleanKey normalises a slash-separated key and rejects keys that escape the
// store root.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// ReadAll is a convenience wrapper returning the content and metadata of key.
func ReadAll(ctx context.Context, s BlobStore, key string) ([]byte, *BlobMetadata, error) {
	rc, meta, err := s.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, meta, nil
}

func readLimited(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, "", ErrFileTooLarge
	}
	return data, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Put stores content under key, replacing any previous blob.
func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content io.Reader, tags map[string]string) (*BlobMetadata, error) {
	key, err := CleanKey(key)
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
		CreatedAt:   s.now(),
		Tags:        copyTags(tags),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Get returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Stat returns blob metadata without content.
func (s *InMemoryBlobStore) Stat(_ context.Context, key string) (*BlobMetadata, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	meta := blob.metadata
	return &meta, nil
}

// Delete removes a blob by key.
func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	delete(s.blobs, key)
	return nil
}

// List returns metadata of every blob whose key starts with prefix, sorted by
// key.
func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*BlobMetadata
	for key, b := range s.blobs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m := b.metadata
		matched = append(matched, &m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })
	return matched, nil
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// listResponse is the JSON envelope returned by the list endpoint.
type listResponse struct {
	Items []*BlobMetadata `json:"items"`
	Total int             `json:"total"`
}

// BlobHandler provides Echo HTTP handlers for blob operations.
type BlobHandler struct {
	store BlobStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts blob routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/blobs", h.handleList)
	g.GET("/blobs/metadata/*", h.handleStat)
	g.GET("/blobs/content/*", h.handleDownload)
	g.DELETE("/blobs/content/*", h.handleDelete)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	key := c.Param("*")

	rc, meta, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		return blobError(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set("ETag", `"`+meta.Hash+`"`)
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(meta.Key)))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleStat(c echo.Context) error {
	meta, err := h.store.Stat(c.Request().Context(), c.Param("*"))
	if err != nil {
		return blobError(c, err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *BlobHandler) handleDelete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("*")); err != nil {
		return blobError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BlobHandler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if items == nil {
		items = []*BlobMetadata{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: len(items)})
}

func blobError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrBlobNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidKey):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
