// Package blobstore implements the Blob Storage Transformer of spec.md
// §4.D and §4.I: a placeholder/signed-URL upload protocol in front of an
// arbitrary object-store Backend, with content-addressed dedup, zstd
// compression, compression-metadata tagging, the virtualRecordId ->
// documentId indirection, and base64/redirect transport decoding.
//
// Ground: klauspost/compress (already a teacher dependency) for
// compression; tidwall/gjson duck-types the download-response shapes
// (a direct body, a {"isCompressed": ..., "record": ...} or
// {"data": ..., "compressed": ...} envelope, and a {"signedUrl": ...}
// redirect); the
// virtualRecordId/documentId split and its customMetadata shape follow
// original_source's modules/transformers/blob_storage.py
// (save_record_to_storage, store_virtual_record_mapping,
// get_document_id_by_virtual_record_id, get_record_from_storage).
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"

	"github.com/r3e-network/knowledgecore/internal/errs"
	"github.com/r3e-network/knowledgecore/internal/model"
)

// CompressionVersion tags the wire format Transform produces. Only v0
// exists; there is no migration path for a future v1 yet.
const CompressionVersion = "v0"

// UploadHandle is returned by CreatePlaceholder: a pending upload the
// caller completes with PutSignedURL. DocumentID is the backend's own
// identifier for the stored object (its content-hash dedup key), distinct
// from the caller's virtualRecordId (spec.md §4.I.3, invariant I6).
type UploadHandle struct {
	DocumentID string
	SignedURL  string
	ExpiresAt  time.Time
}

// CompressionMetadata is the placeholder custom-metadata payload spec.md
// §4.D, §6.6, and §4.I.2 describe, grounded on blob_storage.py's
// placeholder_data["customMetadata"] list (the "compression" and
// "virtualRecordId" entries).
type CompressionMetadata struct {
	VirtualRecordID string
	Compressed      bool
	Algorithm       string
	Level           int
	Format          string
	Version         string
	OriginalSize    int64
}

// Backend is the external object-store contract (spec.md §6.2); a concrete
// implementation (S3, GCS, Supabase Storage, …) is an external
// collaborator (spec.md §1).
type Backend interface {
	// CreatePlaceholder reserves storage for contentHash and returns a
	// signed URL the caller PUTs the (possibly compressed) body to, tagging
	// the placeholder with meta's compression/virtualRecordId metadata.
	CreatePlaceholder(ctx context.Context, contentHash string, sizeHint int64, meta CompressionMetadata) (UploadHandle, error)

	// PutSignedURL uploads body to a previously issued signed URL.
	PutSignedURL(ctx context.Context, signedURL string, body []byte, contentType string) error

	// Exists reports whether contentHash is already stored, for dedup.
	Exists(ctx context.Context, contentHash string) (bool, error)

	// Download fetches the raw response for documentID: either the stored
	// envelope directly, or a {"signedUrl": "..."} redirect the caller must
	// follow with FetchSignedURL (spec.md §6.2).
	Download(ctx context.Context, documentID string) (raw []byte, err error)

	// FetchSignedURL follows a redirect URL returned by Download.
	FetchSignedURL(ctx context.Context, signedURL string) (raw []byte, err error)
}

// MappingStore persists the virtualRecordId -> documentId indirection
// spec.md §4.I.3, invariant I6, and §6.5 describe, grounded on the
// original's store_virtual_record_mapping / get_document_id_by_virtual_record_id
// (both backed by arango_service.batch_upsert_nodes against
// VIRTUAL_RECORD_TO_DOC_ID_MAPPING, not a blob-store-internal table).
type MappingStore interface {
	Put(ctx context.Context, m model.Mapping) error
	Get(ctx context.Context, virtualRecordID string) (model.Mapping, bool, error)
}

// ContentHash returns the SHA-256 hex digest used as the dedup key and
// document id seed (spec.md §3 "virtual record id / content-addressed
// blob dedup").
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Transformer implements the two-step placeholder→signed-URL upload
// protocol plus compression and the mapping indirection, sitting in front
// of a Backend.
type Transformer struct {
	backend  Backend
	mappings MappingStore
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewTransformer builds a Transformer over backend and mappings with a
// reusable zstd encoder/decoder pair.
func NewTransformer(backend Backend, mappings MappingStore) (*Transformer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: new zstd decoder: %w", err)
	}
	return &Transformer{backend: backend, mappings: mappings, encoder: enc, decoder: dec}, nil
}

// Upload stores content under virtualRecordID, deduplicating on content
// hash and compressing with zstd before the two-step placeholder/PUT
// protocol, then persisting the virtualRecordID -> documentID mapping so a
// later Download can resolve it (spec.md §4.I.3). If compression fails for
// any reason, it falls back to uploading the raw, uncompressed bytes rather
// than failing the whole operation (spec.md §4.I "compression-failure
// fallback").
func (t *Transformer) Upload(ctx context.Context, virtualRecordID string, content []byte, contentType string) (documentID string, dedup bool, err error) {
	hash := ContentHash(content)

	exists, err := t.backend.Exists(ctx, hash)
	if err != nil {
		return "", false, errs.Blob("exists", err)
	}
	if exists {
		if err := t.putMapping(ctx, virtualRecordID, hash); err != nil {
			return "", false, err
		}
		return hash, true, nil
	}

	body, compressed := t.compress(content)
	meta := CompressionMetadata{VirtualRecordID: virtualRecordID, Compressed: compressed}
	if compressed {
		meta.Algorithm = "zstd"
		meta.Level = 10
		meta.Format = "msgpack"
		meta.Version = CompressionVersion
		meta.OriginalSize = int64(len(content))
	}

	handle, err := t.backend.CreatePlaceholder(ctx, hash, int64(len(body)), meta)
	if err != nil {
		return "", false, errs.Blob("create_placeholder", err)
	}

	ct := contentType
	if compressed {
		ct = "application/zstd"
	}
	if err := t.backend.PutSignedURL(ctx, handle.SignedURL, body, ct); err != nil {
		return "", false, errs.Blob("put_signed_url", err)
	}

	if err := t.putMapping(ctx, virtualRecordID, handle.DocumentID); err != nil {
		return "", false, err
	}
	return handle.DocumentID, false, nil
}

// putMapping is a no-op when the Transformer was built without a
// MappingStore, so tests exercising Backend in isolation need not wire one.
func (t *Transformer) putMapping(ctx context.Context, virtualRecordID, documentID string) error {
	if t.mappings == nil {
		return nil
	}
	m := model.Mapping{VirtualRecordID: virtualRecordID, DocumentID: documentID, UpdatedAt: time.Now()}
	if err := t.mappings.Put(ctx, m); err != nil {
		return errs.Blob("store_mapping", err)
	}
	return nil
}

// compress returns zstd-compressed bytes and true, or the original content
// and false if compression failed.
func (t *Transformer) compress(content []byte) (out []byte, ok bool) {
	// zstd panics are not expected, but never let a compression failure sink the upload
	defer func() {
		if recover() != nil {
			out, ok = content, false
		}
	}()
	compressed := t.encoder.EncodeAll(content, nil)
	if len(compressed) == 0 && len(content) > 0 {
		return content, false
	}
	return compressed, true
}

// Download resolves virtualRecordID to its documentID through the mapping
// store (falling back to treating virtualRecordID as the documentID when no
// mapping store is configured), fetches the blob, follows a signed-URL
// redirect form if the backend returns one, and decompresses if necessary.
func (t *Transformer) Download(ctx context.Context, virtualRecordID string) ([]byte, error) {
	documentID := virtualRecordID
	if t.mappings != nil {
		m, ok, err := t.mappings.Get(ctx, virtualRecordID)
		if err != nil {
			return nil, errs.Blob("lookup_mapping", err)
		}
		if ok {
			documentID = m.DocumentID
		}
	}

	raw, err := t.backend.Download(ctx, documentID)
	if err != nil {
		return nil, errs.Blob("download", err)
	}

	body, compressed, err := t.resolveDownloadBody(ctx, raw)
	if err != nil {
		return nil, errs.Blob("download", err)
	}
	if !compressed {
		return body, nil
	}
	out, err := t.decoder.DecodeAll(body, nil)
	if err != nil {
		return nil, errs.Blob("decompress", err)
	}
	return out, nil
}

// resolveDownloadBody follows the {"signedUrl": "..."} redirect form
// (spec.md §6.2 "A redirect form returning {signedUrl} must also be
// honoured by re-fetching the URL") one hop, then sniffs the resulting
// base64/compression envelope.
func (t *Transformer) resolveDownloadBody(ctx context.Context, raw []byte) ([]byte, bool, error) {
	body, redirectURL, compressed, err := SniffDownloadBody(raw)
	if err != nil {
		return nil, false, err
	}
	if redirectURL == "" {
		return body, compressed, nil
	}

	raw2, err := t.backend.FetchSignedURL(ctx, redirectURL)
	if err != nil {
		return nil, false, fmt.Errorf("blobstore: fetch signed url: %w", err)
	}
	body2, redirectURL2, compressed2, err := SniffDownloadBody(raw2)
	if err != nil {
		return nil, false, err
	}
	if redirectURL2 != "" {
		return nil, false, errs.IntegrityViolation("blobstore: nested signed url redirect")
	}
	return body2, compressed2, nil
}

// SniffDownloadBody duck-types the download response shapes: a raw body, a
// {"isCompressed": bool, "record": ...} envelope (record is base64 when
// compressed, the record itself otherwise), a {"data": "<base64>",
// "compressed": bool} envelope, or a {"signedUrl": "..."} redirect the
// caller must re-fetch.
func SniffDownloadBody(raw []byte) (body []byte, redirectURL string, compressed bool, err error) {
	if !gjson.ValidBytes(raw) {
		return raw, "", false, nil
	}
	if signedURL := gjson.GetBytes(raw, "signedUrl"); signedURL.Exists() && signedURL.Type == gjson.String {
		return nil, signedURL.String(), false, nil
	}
	if rec := gjson.GetBytes(raw, "record"); rec.Exists() {
		if gjson.GetBytes(raw, "isCompressed").Bool() {
			decoded, err := base64.StdEncoding.DecodeString(rec.String())
			if err != nil {
				return nil, "", false, fmt.Errorf("blobstore: decode record body: %w", err)
			}
			return decoded, "", true, nil
		}
		if rec.Type == gjson.String {
			return []byte(rec.String()), "", false, nil
		}
		return []byte(rec.Raw), "", false, nil
	}
	if data := gjson.GetBytes(raw, "data"); data.Exists() && data.Type == gjson.String {
		decoded, err := base64.StdEncoding.DecodeString(data.String())
		if err != nil {
			return nil, "", false, fmt.Errorf("blobstore: decode envelope body: %w", err)
		}
		return decoded, "", gjson.GetBytes(raw, "compressed").Bool(), nil
	}
	return raw, "", false, nil
}

// --- Reference in-memory Backend and MappingStore, used by tests ---

// MemoryBackend is a non-durable Backend keyed by content hash.
type MemoryBackend struct {
	objects          map[string]memObject
	urls             map[string]string // signed URL -> content hash
	placeholderMeta  map[string]CompressionMetadata
	redirectDownload bool
}

type memObject struct {
	data       []byte
	compressed bool
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:         make(map[string]memObject),
		urls:            make(map[string]string),
		placeholderMeta: make(map[string]CompressionMetadata),
	}
}

// NewRedirectingMemoryBackend builds a MemoryBackend whose Download returns
// the {"signedUrl": ...} redirect form instead of the envelope directly, for
// exercising the redirect-download leg of spec.md §6.2.
func NewRedirectingMemoryBackend() *MemoryBackend {
	b := NewMemoryBackend()
	b.redirectDownload = true
	return b
}

func (b *MemoryBackend) CreatePlaceholder(_ context.Context, contentHash string, _ int64, meta CompressionMetadata) (UploadHandle, error) {
	url := "mem://" + contentHash
	b.urls[url] = contentHash
	b.placeholderMeta[contentHash] = meta
	return UploadHandle{DocumentID: contentHash, SignedURL: url, ExpiresAt: time.Now().Add(15 * time.Minute)}, nil
}

// PlaceholderMetadata returns the CompressionMetadata a prior
// CreatePlaceholder call recorded for documentID, for tests.
func (b *MemoryBackend) PlaceholderMetadata(documentID string) (CompressionMetadata, bool) {
	meta, ok := b.placeholderMeta[documentID]
	return meta, ok
}

func (b *MemoryBackend) PutSignedURL(_ context.Context, signedURL string, body []byte, contentType string) error {
	hash, ok := b.urls[signedURL]
	if !ok {
		return fmt.Errorf("blobstore: unknown signed url")
	}
	b.objects[hash] = memObject{data: append([]byte(nil), body...), compressed: contentType == "application/zstd"}
	return nil
}

func (b *MemoryBackend) Exists(_ context.Context, contentHash string) (bool, error) {
	_, ok := b.objects[contentHash]
	return ok, nil
}

func (b *MemoryBackend) Download(_ context.Context, documentID string) ([]byte, error) {
	obj, ok := b.objects[documentID]
	if !ok {
		return nil, errs.NotFound("blob", documentID)
	}
	if b.redirectDownload {
		return []byte(fmt.Sprintf(`{"signedUrl":"mem-redirect://%s"}`, documentID)), nil
	}
	return envelopeJSON(obj), nil
}

func (b *MemoryBackend) FetchSignedURL(_ context.Context, signedURL string) ([]byte, error) {
	documentID := strings.TrimPrefix(signedURL, "mem-redirect://")
	obj, ok := b.objects[documentID]
	if !ok {
		return nil, errs.NotFound("blob", documentID)
	}
	return envelopeJSON(obj), nil
}

func envelopeJSON(obj memObject) []byte {
	encoded := base64.StdEncoding.EncodeToString(obj.data)
	return []byte(fmt.Sprintf(`{"data":%q,"compressed":%t}`, encoded, obj.compressed))
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryMappingStore is a non-durable MappingStore used by tests that do
// not need a graph.Store fixture; GraphMappingStore is the grounded,
// production-shaped implementation.
type MemoryMappingStore struct {
	mu     sync.Mutex
	byVRID map[string]model.Mapping
}

// NewMemoryMappingStore creates an empty MemoryMappingStore.
func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{byVRID: make(map[string]model.Mapping)}
}

func (s *MemoryMappingStore) Put(_ context.Context, m model.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byVRID[m.VirtualRecordID] = m
	return nil
}

func (s *MemoryMappingStore) Get(_ context.Context, virtualRecordID string) (model.Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byVRID[virtualRecordID]
	return m, ok, nil
}

var _ MappingStore = (*MemoryMappingStore)(nil)
