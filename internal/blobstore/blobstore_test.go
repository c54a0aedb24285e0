package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload_DedupsOnContentHashButPersistsDistinctMappings(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	mappings := NewMemoryMappingStore()
	tr, err := NewTransformer(backend, mappings)
	require.NoError(t, err)

	content := []byte(`{"title":"quarterly report"}`)

	documentID1, dedup1, err := tr.Upload(ctx, "vrid-1", content, "application/json")
	require.NoError(t, err)
	assert.False(t, dedup1)

	documentID2, dedup2, err := tr.Upload(ctx, "vrid-2", content, "application/json")
	require.NoError(t, err)
	assert.True(t, dedup2)
	assert.Equal(t, documentID1, documentID2)

	m1, ok, err := mappings.Get(ctx, "vrid-1")
	require.NoError(t, err)
	require.True(t, ok)
	m2, ok, err := mappings.Get(ctx, "vrid-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m1.DocumentID, m2.DocumentID)
	assert.NotEqual(t, "vrid-1", m1.DocumentID)
}

func TestUploadDownload_RoundTripsThroughCompressionAndMapping(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	mappings := NewMemoryMappingStore()
	tr, err := NewTransformer(backend, mappings)
	require.NoError(t, err)

	content := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, " +
		"the quick brown fox jumps over the lazy dog")

	_, _, err = tr.Upload(ctx, "vrid-1", content, "text/plain")
	require.NoError(t, err)

	out, err := tr.Download(ctx, "vrid-1")
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestUpload_ThreadsCompressionMetadataOntoPlaceholder(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	mappings := NewMemoryMappingStore()
	tr, err := NewTransformer(backend, mappings)
	require.NoError(t, err)

	content := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, " +
		"the quick brown fox jumps over the lazy dog")

	documentID, _, err := tr.Upload(ctx, "vrid-1", content, "text/plain")
	require.NoError(t, err)

	meta, ok := backend.PlaceholderMetadata(documentID)
	require.True(t, ok)
	assert.Equal(t, "vrid-1", meta.VirtualRecordID)
	assert.True(t, meta.Compressed)
	assert.Equal(t, "zstd", meta.Algorithm)
	assert.Equal(t, CompressionVersion, meta.Version)
	assert.Equal(t, int64(len(content)), meta.OriginalSize)
}

func TestContentHash_IsStableAndDistinguishing(t *testing.T) {
	a := ContentHash([]byte("hello"))
	b := ContentHash([]byte("hello"))
	c := ContentHash([]byte("world"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSniffDownloadBody_HandlesRawEnvelopeAndRedirect(t *testing.T) {
	raw := []byte(`not json at all`)
	body, redirectURL, compressed, err := SniffDownloadBody(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, body)
	assert.Empty(t, redirectURL)
	assert.False(t, compressed)

	envelope := []byte(`{"data":"aGVsbG8=","compressed":true}`)
	body, redirectURL, compressed, err = SniffDownloadBody(envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), body)
	assert.Empty(t, redirectURL)
	assert.True(t, compressed)

	redirect := []byte(`{"signedUrl":"https://example.com/blob/1"}`)
	body, redirectURL, _, err = SniffDownloadBody(redirect)
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.Equal(t, "https://example.com/blob/1", redirectURL)
}

func TestDownload_FollowsSignedURLRedirectForm(t *testing.T) {
	ctx := context.Background()
	backend := NewRedirectingMemoryBackend()
	mappings := NewMemoryMappingStore()
	tr, err := NewTransformer(backend, mappings)
	require.NoError(t, err)

	content := []byte("redirect-form payload")
	_, _, err = tr.Upload(ctx, "vrid-1", content, "text/plain")
	require.NoError(t, err)

	out, err := tr.Download(ctx, "vrid-1")
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestDownload_MissingBlobReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	mappings := NewMemoryMappingStore()
	tr, err := NewTransformer(backend, mappings)
	require.NoError(t, err)

	_, err = tr.Download(ctx, "nonexistent")
	assert.Error(t, err)
}

func TestDownload_FallsBackToVirtualRecordIDWhenUnmapped(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	tr, err := NewTransformer(backend, nil)
	require.NoError(t, err)

	content := []byte("no mapping store configured")
	documentID, _, err := tr.Upload(ctx, "vrid-1", content, "text/plain")
	require.NoError(t, err)

	out, err := tr.Download(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestMemoryMappingStore_GetReportsMissingMapping(t *testing.T) {
	ctx := context.Background()
	mappings := NewMemoryMappingStore()

	_, ok, err := mappings.Get(ctx, "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}
