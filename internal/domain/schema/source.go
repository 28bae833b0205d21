package schema

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/ehr/labroute/internal/platform/blobstore"
)

// Document is the raw content of a schema or value set document.
type Document struct {
	URI      string
	Body     []byte
	Revision string
}

// Source fetches schema documents by URI. URIs are slash separated and
// relative to the source root. Missing documents are reported with an error
// wrapping ErrSchemaNotFound.
type Source interface {
	Fetch(ctx context.Context, uri string) (*Document, error)
}

// Revisioner is implemented by sources that can report a document revision
// without reading its content.
type Revisioner interface {
	Revision(ctx context.Context, uri string) (string, error)
}

// NormalizeURI cleans a schema name into a source URI, adding the .yml
// extension when the name has none.
func NormalizeURI(name string) string {
	name = strings.TrimSpace(name)
	if path.Ext(name) == "" {
		name += ".yml"
	}
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// ResolveRef resolves ref against the URI of the document referencing it.
// A leading slash makes ref relative to the source root.
func ResolveRef(from, ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "/") {
		return NormalizeURI(ref)
	}
	return NormalizeURI(path.Join(path.Dir(from), ref))
}

func contentRevision(body []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(body))
}

// FileSource reads documents from a file system, such as os.DirFS of the
// schema directory.
type FileSource struct {
	fsys fs.FS
}

// NewFileSource returns a Source over fsys.
func NewFileSource(fsys fs.FS) *FileSource {
	return &FileSource{fsys: fsys}
}

func (s *FileSource) Fetch(ctx context.Context, uri string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fs.ValidPath(uri) {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, uri)
	}
	body, err := fs.ReadFile(s.fsys, uri)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	return &Document{URI: uri, Body: body, Revision: contentRevision(body)}, nil
}

// BlobSource reads documents from a blob store, optionally below a key
// prefix. The blob hash is the document revision.
type BlobSource struct {
	store  blobstore.BlobStore
	prefix string
}

// NewBlobSource returns a Source over store. Document URIs are appended to
// prefix to form blob keys.
func NewBlobSource(store blobstore.BlobStore, prefix string) *BlobSource {
	return &BlobSource{store: store, prefix: strings.Trim(prefix, "/")}
}

func (s *BlobSource) key(uri string) string {
	if s.prefix == "" {
		return uri
	}
	return s.prefix + "/" + uri
}

func (s *BlobSource) Fetch(ctx context.Context, uri string) (*Document, error) {
	body, meta, err := blobstore.ReadAll(ctx, s.store, s.key(uri))
	if errors.Is(err, blobstore.ErrBlobNotFound) || errors.Is(err, blobstore.ErrInvalidKey) {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, uri)
	}
	if err != nil {
		return nil, err
	}
	return &Document{URI: uri, Body: body, Revision: meta.Hash}, nil
}

// Revision returns the blob hash without reading the content.
func (s *BlobSource) Revision(ctx context.Context, uri string) (string, error) {
	meta, err := s.store.Stat(ctx, s.key(uri))
	if errors.Is(err, blobstore.ErrBlobNotFound) || errors.Is(err, blobstore.ErrInvalidKey) {
		return "", fmt.Errorf("%w: %s", ErrSchemaNotFound, uri)
	}
	if err != nil {
		return "", err
	}
	return meta.Hash, nil
}

// MapSource serves documents from memory, keyed by URI. The revision is the
// content hash.
type MapSource map[string]string

func (m MapSource) Fetch(ctx context.Context, uri string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, ok := m[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, uri)
	}
	return &Document{URI: uri, Body: []byte(body), Revision: contentRevision([]byte(body))}, nil
}

func (m MapSource) Revision(_ context.Context, uri string) (string, error) {
	body, ok := m[uri]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSchemaNotFound, uri)
	}
	return contentRevision([]byte(body)), nil
}
