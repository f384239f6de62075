package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSBlobRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	blobs, err := NewFSBlob(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, blobs.Put(ctx, "covers/9780306406157.jpg", []byte("jpeg bytes")))

	got, err := blobs.Get(ctx, "covers/9780306406157.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), got)

	ok, err := blobs.Exists(ctx, "covers/9780306406157.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = blobs.Get(ctx, "covers/unknown.jpg")
	assert.ErrorIs(t, err, errNotFound)

	require.NoError(t, blobs.Delete(ctx, "covers/9780306406157.jpg"))
	ok, err = blobs.Exists(ctx, "covers/9780306406157.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting what isn't there is not an error.
	assert.NoError(t, blobs.Delete(ctx, "covers/unknown.jpg"))
}

func TestFSBlobRefusesTraversal(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	blobs, err := NewFSBlob(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, blobs.Put(ctx, "../outside", []byte("nope")))
	assert.Error(t, blobs.Put(ctx, "/etc/passwd", []byte("nope")))
	_, err = blobs.Get(ctx, "a/../../b")
	assert.Error(t, err)
}

func TestColdKeyLayout(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)
	key := coldKey("search:title:maxResults=20&title=hobbit", at)
	assert.Equal(t, "cold-cache/2026/03/search:title:maxResults=20&title=hobbit.json", key)

	// Keys with slashes can't escape the month directory.
	assert.Equal(t, "cold-cache/2026/03/a%2Fb.json", coldKey("a/b", at))
}
