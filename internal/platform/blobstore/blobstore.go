// Package blobstore stores follow-up photos sent by patients. It defines the
// BlobStore interface, an in-memory implementation for development and tests,
// an S3 implementation, and an Echo handler that serves in-memory blobs.
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

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// MaxFileSize is the maximum allowed photo size in bytes (20 MB).
const MaxFileSize = 20 * 1024 * 1024

// AllowedContentTypes lists the image types patients send from their phones.
var AllowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored photo.
type BlobMetadata struct {
	Key         string    `json:"key"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	TreatmentID string    `json:"treatment_id,omitempty"`
	Stage       int       `json:"stage,omitempty"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}

// PhotoKey builds the object key for a stage photo.
func PhotoKey(treatmentID string, stage int, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("treatments/%s/stage_%d/%s%s", treatmentID, stage, uuid.NewString(), ext)
}

func treatmentPrefix(treatmentID string) string {
	return fmt.Sprintf("treatments/%s/", treatmentID)
}

// readAndValidate checks the metadata and buffers the content, returning the
// content with size and hash filled in.
func readAndValidate(meta *BlobMetadata, content io.Reader) ([]byte, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	ct := strings.ToLower(strings.TrimSpace(strings.Split(meta.ContentType, ";")[0]))
	if !AllowedContentTypes[ct] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContentType, meta.ContentType)
	}
	meta.ContentType = ct

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))
	if meta.Key == "" {
		meta.Key = PhotoKey(meta.TreatmentID, meta.Stage, meta.FileName)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore defines the contract for photo storage backends. Upload returns
// the metadata including the URL that is recorded on the stage.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	GetMetadata(ctx context.Context, key string) (*BlobMetadata, error)
	ListByTreatment(ctx context.Context, treatmentID string) ([]*BlobMetadata, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore keeps blobs in a map. URLs point at baseURL, which the
// server mounts with BlobHandler.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
}

func NewInMemoryBlobStore(baseURL string) *InMemoryBlobStore {
	if baseURL == "" {
		baseURL = "/media"
	}
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	data, err := readAndValidate(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.CreatedAt = time.Now().UTC()
	meta.URL = s.baseURL + "/" + meta.Key

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, key string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return &meta, nil
}

// ListByTreatment returns the treatment's photos ordered by key.
func (s *InMemoryBlobStore) ListByTreatment(_ context.Context, treatmentID string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := treatmentPrefix(treatmentID)
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

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler serves stored blobs by key. It backs the URLs produced by
// InMemoryBlobStore; S3 URLs are served by S3 itself.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts GET <prefix>/* on e.
func (h *BlobHandler) RegisterRoutes(e *echo.Echo, prefix string) {
	e.GET(strings.TrimSuffix(prefix, "/")+"/*", h.handleDownload)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if key == "" || strings.Contains(key, "..") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid key")
	}

	rc, meta, err := h.store.Download(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, meta.FileName))
	c.Response().Header().Set("ETag", `"`+meta.Hash+`"`)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
