// Package memory provides an in-process storage.Gateway for single-node
// development and tests. Part bytes are written with PutPart in place of a
// client PUT to a presigned URL.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prn-tf/alexander-uploads/internal/storage"
)

var _ storage.Gateway = (*Gateway)(nil)

type object struct {
	data []byte
	etag string
}

// Gateway keeps objects in a map keyed by bucket and key.
type Gateway struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]object

	composeErr   error
	composeCalls atomic.Int64
	deleteCalls  atomic.Int64
}

// NewGateway creates an empty gateway. URLs it issues are rooted at baseURL.
func NewGateway(baseURL string) *Gateway {
	if baseURL == "" {
		baseURL = "memory://storage"
	}
	return &Gateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]object),
	}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// PutPart stores data at bucket/key and returns its ETag.
func (g *Gateway) PutPart(bucket, key string, data []byte) string {
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	g.mu.Lock()
	g.objects[objectID(bucket, key)] = object{data: bytes.Clone(data), etag: etag}
	g.mu.Unlock()

	return etag
}

// Object returns the bytes stored at bucket/key.
func (g *Gateway) Object(bucket, key string) ([]byte, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[objectID(bucket, key)]
	return obj.data, ok
}

// Len returns the number of stored objects.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

// FailCompose makes every later ComposeParts call return err. nil resets it.
func (g *Gateway) FailCompose(err error) {
	g.mu.Lock()
	g.composeErr = err
	g.mu.Unlock()
}

// ComposeCalls returns how many times ComposeParts has run.
func (g *Gateway) ComposeCalls() int64 {
	return g.composeCalls.Load()
}

// DeleteCalls returns how many times DeleteObject has run.
func (g *Gateway) DeleteCalls() int64 {
	return g.deleteCalls.Load()
}

// IssuePartUploadURL returns a non-dereferenceable URL describing the part.
func (g *Gateway) IssuePartUploadURL(_ context.Context, bucket, key string, partNumber int, ttl time.Duration) (*storage.PresignedURL, error) {
	expiresAt := time.Now().Add(ttl).UTC()
	q := url.Values{}
	q.Set("partNumber", strconv.Itoa(partNumber))
	q.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))

	return &storage.PresignedURL{
		URL:       fmt.Sprintf("%s/%s/%s?%s", g.baseURL, bucket, key, q.Encode()),
		Method:    "PUT",
		ExpiresAt: expiresAt,
	}, nil
}

// IssueDownloadURL returns a URL for bucket/key.
func (g *Gateway) IssueDownloadURL(_ context.Context, bucket, key string, ttl time.Duration) (*storage.PresignedURL, error) {
	expiresAt := time.Now().Add(ttl).UTC()
	return &storage.PresignedURL{
		URL:       fmt.Sprintf("%s/%s/%s?expires=%d", g.baseURL, bucket, key, expiresAt.Unix()),
		Method:    "GET",
		ExpiresAt: expiresAt,
	}, nil
}

// ComposeParts concatenates parts into bucket/key after checking that every
// part exists with the reported ETag.
func (g *Gateway) ComposeParts(ctx context.Context, bucket, key string, parts []storage.PartRef) error {
	g.composeCalls.Add(1)

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("compose %s: no parts", key)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.composeErr != nil {
		return g.composeErr
	}

	var buf bytes.Buffer
	for _, p := range parts {
		obj, ok := g.objects[objectID(bucket, p.Key)]
		if !ok {
			return &storage.PartError{Number: p.Number, Err: storage.ErrObjectNotFound}
		}
		if obj.etag != strings.Trim(p.ETag, `"`) {
			return &storage.PartError{Number: p.Number, Err: storage.ErrPartMismatch}
		}
		buf.Write(obj.data)
	}

	sum := md5.Sum(buf.Bytes())
	g.objects[objectID(bucket, key)] = object{
		data: buf.Bytes(),
		etag: hex.EncodeToString(sum[:]),
	}
	return nil
}

// DeleteObject removes bucket/key if present.
func (g *Gateway) DeleteObject(_ context.Context, bucket, key string) error {
	g.deleteCalls.Add(1)

	g.mu.Lock()
	delete(g.objects, objectID(bucket, key))
	g.mu.Unlock()
	return nil
}

// Exists reports whether bucket/key is stored.
func (g *Gateway) Exists(_ context.Context, bucket, key string) (bool, error) {
	_, ok := g.Object(bucket, key)
	return ok, nil
}
