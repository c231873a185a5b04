// Package blob archives fetched page bodies so evidence can be
// re-examined after the live page changes or disappears.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Store persists a blob and returns its URI.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Archiver writes fetched bodies to a Store under content-addressed
// names, so refetching identical content is idempotent.
type Archiver struct {
	store  Store
	prefix string
}

// NewArchiver wraps a Store. prefix namespaces objects inside the
// bucket; it may be empty.
func NewArchiver(store Store, prefix string) *Archiver {
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}
}

// Archive stores a body keyed by its sha256 digest and the source host.
func (a *Archiver) Archive(ctx context.Context, sourceURL string, body []byte) (string, error) {
	digest := sha256.Sum256(body)
	path := objectPath(a.prefix, sourceURL, hex.EncodeToString(digest[:]))
	return a.store.PutObject(ctx, path, "application/octet-stream", bytes.NewReader(body))
}

func objectPath(prefix, sourceURL, digest string) string {
	host := "unknown"
	if parsed, err := url.Parse(sourceURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	if prefix == "" {
		return fmt.Sprintf("%s/%s", host, digest)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, host, digest)
}
