package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveUsesContentAddressedPath(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	archiver := NewArchiver(store, "snapshots")
	body := []byte("<html>article</html>")

	uri, err := archiver.Archive(context.Background(), "https://news.example/story", body)
	require.NoError(t, err)

	digest := sha256.Sum256(body)
	wantPath := fmt.Sprintf("snapshots/news.example/%s", hex.EncodeToString(digest[:]))
	require.Equal(t, "memory://"+wantPath, uri)

	stored, ok := store.Get(wantPath)
	require.True(t, ok)
	require.Equal(t, body, stored)
}

func TestArchiveIdenticalBodyIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	archiver := NewArchiver(store, "")
	body := []byte("same bytes")

	first, err := archiver.Archive(context.Background(), "https://a.example/x", body)
	require.NoError(t, err)
	second, err := archiver.Archive(context.Background(), "https://a.example/x", body)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestArchiveUnparseableURLStillStores(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	archiver := NewArchiver(store, "")

	uri, err := archiver.Archive(context.Background(), "://bad", []byte("body"))
	require.NoError(t, err)
	require.Contains(t, uri, "unknown/")
}
