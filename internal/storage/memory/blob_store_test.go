package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "author/ab/img.jpg", "image/jpeg", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://author/ab/img.jpg", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), "author/ab/img.jpg")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))
}

func TestBlobStoreMoveAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	_, err := store.PutObject(ctx, "a/x.jpg", "", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, store.MoveObject(ctx, "a/x.jpg", "b/x.jpg"))
	require.Equal(t, []string{"b/x.jpg"}, store.Keys())
	require.ErrorIs(t, store.MoveObject(ctx, "a/x.jpg", "c/x.jpg"), crawler.ErrObjectNotFound)

	ok, err := store.Exists(ctx, "b/x.jpg")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.DeleteObject(ctx, "b/x.jpg"))
	require.NoError(t, store.DeleteObject(ctx, "b/x.jpg"))
	require.Empty(t, store.Keys())
	_, err = store.GetObject(ctx, "b/x.jpg")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}

func TestBlobStoreList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, key := range []string{"jane/ab/1.jpg", "jane/cd/2.jpg", "janet/ab/3.jpg"} {
		_, err := store.PutObject(ctx, key, "", []byte(key))
		require.NoError(t, err)
	}

	keys, err := store.List(ctx, "jane/")
	require.NoError(t, err)
	require.Equal(t, []string{"jane/ab/1.jpg", "jane/cd/2.jpg"}, keys)

	keys, err = store.List(ctx, "nobody/")
	require.NoError(t, err)
	require.Empty(t, keys)
}
