package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/ehr/labroute/internal/domain/settings"
	"github.com/ehr/labroute/internal/platform/blobstore"
)

var ErrNoTransport = errors.New("no transport")

// Delivery is one file handed to a transport.
type Delivery struct {
	Filename    string
	ContentType string
	Body        []byte
	ItemCount   int
}

// Transport delivers files for one transport type. It returns where the
// file went. Credentials are looked up by the transport itself.
type Transport interface {
	Send(ctx context.Context, rcv *settings.Receiver, d *Delivery) (string, error)
}

// Dispatcher picks the Transport registered for a receiver's transport type.
type Dispatcher struct {
	mu         sync.RWMutex
	transports map[settings.TransportType]Transport
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{transports: make(map[settings.TransportType]Transport)}
}

// Register installs t for tt, replacing any previous one.
func (d *Dispatcher) Register(tt settings.TransportType, t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports[tt] = t
}

func (d *Dispatcher) Send(ctx context.Context, rcv *settings.Receiver, del *Delivery) (string, error) {
	if rcv.Transport == nil || rcv.Transport.Transport == nil {
		return "", fmt.Errorf("%w: receiver %s has none configured", ErrNoTransport, rcv.FullName())
	}
	tt := rcv.Transport.Type()
	d.mu.RLock()
	t, ok := d.transports[tt]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w registered for %s", ErrNoTransport, tt)
	}
	return t.Send(ctx, rcv, del)
}

// BlobTransport writes deliveries into a blob store under the receiver's
// configured prefix.
type BlobTransport struct {
	store blobstore.BlobStore
}

func NewBlobTransport(store blobstore.BlobStore) *BlobTransport {
	return &BlobTransport{store: store}
}

func (t *BlobTransport) Send(ctx context.Context, rcv *settings.Receiver, d *Delivery) (string, error) {
	cfg, ok := rcv.Transport.Transport.(settings.BlobTransport)
	if !ok {
		return "", fmt.Errorf("receiver %s does not use a blob transport", rcv.FullName())
	}
	key := path.Join(cfg.Prefix, d.Filename)
	meta, err := t.store.Put(ctx, key, d.ContentType, bytes.NewReader(d.Body), map[string]string{
		"receiver": rcv.FullName(),
		"items":    strconv.Itoa(d.ItemCount),
	})
	if err != nil {
		return "", err
	}
	return "blob://" + meta.Key, nil
}

// NullTransport accepts every delivery and keeps nothing.
type NullTransport struct{}

func (NullTransport) Send(_ context.Context, _ *settings.Receiver, d *Delivery) (string, error) {
	return "null://" + d.Filename, nil
}
