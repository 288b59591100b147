// Package recordings ingests uploaded call recordings into durable storage and
// serves them back with byte-range support for scrubbed playback.
package recordings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedMediaType is returned when the sniffed payload is not a
	// recognized video container.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrPayloadTooLarge is returned when an upload exceeds the configured ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrAssetNotFound is returned when no stored object exists for a key.
	ErrAssetNotFound = errors.New("recording asset not found")
)

// sniffLen is how many leading bytes are buffered for container detection.
const sniffLen = 3072

// allowedContainers maps accepted sniffed MIME types to storage extensions.
// Detection trusts the bytes, not the declared Content-Type.
var allowedContainers = map[string]string{
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
	"video/3gpp":       ".3gp",
}

// Asset is one stored recording for a call. Concurrent uploads for the same
// call each get their own storage key; assets are never merged.
type Asset struct {
	ID         uuid.UUID `json:"id"`
	CallID     uuid.UUID `json:"call_id"`
	StorageKey string    `json:"storage_key"`
	SizeBytes  int64     `json:"size_bytes"`
	MimeType   string    `json:"mime_type"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}

// BlobStore is the narrow durable-storage surface the service needs. The
// production implementation is the S3 client; tests use an in-memory store.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (url string, err error)
	// GetRange streams [start,end] (inclusive); end < 0 means "to end".
	GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (size int64, contentType string, err error)
	Delete(ctx context.Context, key string) error
}

// CallSessions is the slice of the call state machine the service depends on:
// eligibility, the recording_url metadata update and the oversight event.
type CallSessions interface {
	Eligible(ctx context.Context, callID uuid.UUID) error
	SetRecordingURL(ctx context.Context, callID uuid.UUID, url string) error
	NotifyRecordingReady(ctx context.Context, callID uuid.UUID)
}

// AssetStore persists recording asset rows.
type AssetStore interface {
	Insert(ctx context.Context, a *Asset) error
	ListByCall(ctx context.Context, callID uuid.UUID) ([]Asset, error)
}

// Service handles recording ingestion and byte-range retrieval.
type Service struct {
	blobs    BlobStore
	assets   AssetStore
	sessions CallSessions
	maxBytes int64
	logger   *zap.Logger
}

// NewService creates a recording service. maxBytes is the upload ceiling.
func NewService(blobs BlobStore, assets AssetStore, sessions CallSessions, maxBytes int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &Service{blobs: blobs, assets: assets, sessions: sessions, maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the configured upload ceiling.
func (s *Service) MaxBytes() int64 { return s.maxBytes }

// Ingest validates and stores one uploaded recording for callID: eligibility
// check, container sniffing, size ceiling, streamed write to the blob store,
// asset row, recording_url update and the recording_ready oversight event.
// Only the metadata update touches per-call state; the transfer itself streams
// without holding any call lock. declaredSize may be -1 when unknown.
func (s *Service) Ingest(ctx context.Context, callID uuid.UUID, body io.Reader, declaredMime string, declaredSize int64) (*Asset, error) {
	if err := s.sessions.Eligible(ctx, callID); err != nil {
		return nil, err
	}
	if declaredSize > s.maxBytes {
		return nil, ErrPayloadTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read payload head: %w", err)
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	ext, ok := containerExt(mtype)
	if !ok {
		s.logger.Info("recording rejected: not a video container",
			zap.String("call_id", callID.String()),
			zap.String("sniffed", mtype.String()),
			zap.String("declared", declaredMime))
		return nil, ErrUnsupportedMediaType
	}

	key := path.Join("recordings", callID.String(), uuid.New().String()+ext)
	counted := &cappedReader{r: io.MultiReader(bytes.NewReader(head), body), remaining: s.maxBytes}
	url, err := s.blobs.Put(ctx, key, mtype.String(), counted)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) || counted.exceeded {
			return nil, ErrPayloadTooLarge
		}
		return nil, fmt.Errorf("store recording: %w", err)
	}

	asset := &Asset{
		ID:         uuid.New(),
		CallID:     callID,
		StorageKey: key,
		SizeBytes:  counted.read,
		MimeType:   mtype.String(),
		URL:        url,
		CreatedAt:  time.Now(),
	}
	if s.assets != nil {
		if err := s.assets.Insert(ctx, asset); err != nil {
			// The asset row is the durable index; without it the stored object
			// would be unreachable. Remove it rather than leave an orphan.
			if delErr := s.blobs.Delete(ctx, key); delErr != nil {
				s.logger.Warn("orphaned recording cleanup failed", zap.Error(delErr), zap.String("key", key))
			}
			return nil, fmt.Errorf("persist recording asset: %w", err)
		}
	}
	if err := s.sessions.SetRecordingURL(ctx, callID, url); err != nil {
		s.logger.Error("set recording url failed", zap.Error(err), zap.String("call_id", callID.String()))
	}
	s.sessions.NotifyRecordingReady(ctx, callID)

	s.logger.Info("recording ingested",
		zap.String("call_id", callID.String()),
		zap.String("key", key),
		zap.Int64("size", asset.SizeBytes),
		zap.String("mime", asset.MimeType))
	return asset, nil
}

// RetrieveResult carries the stream and response metadata for one retrieval.
type RetrieveResult struct {
	Body        io.ReadCloser
	ContentType string
	Length      int64  // bytes in Body
	Total       int64  // full asset size
	Partial     bool   // true when Body is a sub-range
	Range       ByteRange
}

// Retrieve returns the stored object, or the exact sub-range described by
// rangeHeader. A malformed header falls back to the full object; a well-formed
// range beyond the asset returns ErrRangeNotSatisfiable with the total size.
func (s *Service) Retrieve(ctx context.Context, key, rangeHeader string) (*RetrieveResult, error) {
	size, contentType, err := s.blobs.Head(ctx, key)
	if err != nil {
		return nil, err
	}

	br, ranged, err := ParseRange(rangeHeader, size)
	if err != nil {
		return &RetrieveResult{Total: size}, err
	}
	if !ranged {
		body, err := s.blobs.GetRange(ctx, key, 0, -1)
		if err != nil {
			return nil, err
		}
		return &RetrieveResult{
			Body:        body,
			ContentType: contentType,
			Length:      size,
			Total:       size,
		}, nil
	}

	body, err := s.blobs.GetRange(ctx, key, br.Start, br.End)
	if err != nil {
		return nil, err
	}
	return &RetrieveResult{
		Body:        body,
		ContentType: contentType,
		Length:      br.Length(),
		Total:       size,
		Partial:     true,
		Range:       br,
	}, nil
}

// ListByCall returns the persisted assets for a call, newest first.
func (s *Service) ListByCall(ctx context.Context, callID uuid.UUID) ([]Asset, error) {
	if s.assets == nil {
		return nil, nil
	}
	return s.assets.ListByCall(ctx, callID)
}

func containerExt(m *mimetype.MIME) (string, bool) {
	for mime, ext := range allowedContainers {
		if m.Is(mime) {
			return ext, true
		}
	}
	return "", false
}

// cappedReader counts bytes and fails the stream once the ceiling is crossed,
// so an oversized upload aborts mid-transfer instead of filling the store.
type cappedReader struct {
	r         io.Reader
	remaining int64
	read      int64
	exceeded  bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.exceeded {
		return 0, ErrPayloadTooLarge
	}
	// Allow one byte past the ceiling so the overflow is observable.
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		c.exceeded = true
		return 0, ErrPayloadTooLarge
	}
	return n, err
}
