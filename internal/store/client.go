package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"tci/internal/common/cache"
	"tci/internal/common/storage"
	"tci/internal/execution"
	appErr "tci/pkg/errors"
	"tci/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix   = "tci:session:"
	sessionIndexKey    = "tci:sessions"
	executionKeyPrefix = "tci:execution:"
	executionSetPrefix = "tci:executions:"
	fileSetPrefix      = "tci:files:"

	// payload header bytes
	encodingRaw  byte = 0x00
	encodingZstd byte = 0x01
)

// Config bounds file payloads and execution retention.
type Config struct {
	MaxFileBytes      int64         `yaml:"maxFileBytes"`
	CompressThreshold int64         `yaml:"compressThreshold"`
	ExecutionTTL      time.Duration `yaml:"executionTTL"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes:      64 * 1024 * 1024,
		CompressThreshold: 4 * 1024,
		ExecutionTTL:      24 * time.Hour,
	}
}

// client persists metadata in the cache and payloads in object storage.
type client struct {
	cfg     Config
	cache   cache.Cache
	objects storage.ObjectStorage
	bucket  string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewClient builds a store client on the shared cache and object storage.
func NewClient(cfg Config, c cache.Cache, objects storage.ObjectStorage, bucket string) (Client, error) {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultConfig().MaxFileBytes
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = DefaultConfig().CompressThreshold
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	return &client{
		cfg:     cfg,
		cache:   c,
		objects: objects,
		bucket:  bucket,
		enc:     enc,
		dec:     dec,
	}, nil
}

func (s *client) PutSession(ctx context.Context, meta *Metadata) error {
	if meta == nil || meta.ID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("session metadata requires an id")
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return appErr.Wrap(err, appErr.StateStoreError)
	}
	return s.withRetry(ctx, func() error {
		if err := s.cache.Set(ctx, sessionKeyPrefix+meta.ID, string(data), 0); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		if err := s.cache.SAdd(ctx, sessionIndexKey, meta.ID); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		return nil
	})
}

func (s *client) GetSession(ctx context.Context, sessionID string) (*Metadata, error) {
	var raw string
	err := s.withRetry(ctx, func() error {
		var err error
		raw, err = s.cache.Get(ctx, sessionKeyPrefix+sessionID)
		if err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, appErr.New(appErr.SessionNotFound).WithDetail("session_id", sessionID)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	return &meta, nil
}

func (s *client) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, func() error {
		if err := s.cache.Del(ctx, sessionKeyPrefix+sessionID); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		if err := s.cache.SRem(ctx, sessionIndexKey, sessionID); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		return nil
	})
}

func (s *client) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.cache.SMembers(ctx, sessionIndexKey)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	return ids, nil
}

func (s *client) PutExecution(ctx context.Context, rec *execution.Record) error {
	if rec == nil || rec.ID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("execution record requires an id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return appErr.Wrap(err, appErr.StateStoreError)
	}
	return s.withRetry(ctx, func() error {
		if err := s.cache.Set(ctx, executionKeyPrefix+rec.ID, string(data), s.cfg.ExecutionTTL); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		if err := s.cache.SAdd(ctx, executionSetPrefix+rec.SessionID, rec.ID); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		return nil
	})
}

func (s *client) GetExecution(ctx context.Context, executionID string) (*execution.Record, error) {
	raw, err := s.cache.Get(ctx, executionKeyPrefix+executionID)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	if raw == "" {
		return nil, appErr.NotFoundError("execution").WithDetail("execution_id", executionID)
	}
	var rec execution.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	return &rec, nil
}

func (s *client) ListExecutions(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.cache.SMembers(ctx, executionSetPrefix+sessionID)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	return ids, nil
}

func (s *client) PutFile(ctx context.Context, sessionID, path string, data []byte) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if int64(len(data)) > s.cfg.MaxFileBytes {
		return appErr.New(appErr.FileTooLarge).
			WithDetail("size", len(data)).
			WithDetail("limit", s.cfg.MaxFileBytes)
	}

	payload := s.encode(data)
	objectKey := sessionID + "/" + path
	return s.withRetry(ctx, func() error {
		err := s.objects.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(payload), int64(len(payload)), "application/octet-stream")
		if err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		if err := s.cache.SAdd(ctx, fileSetPrefix+sessionID, path); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		return nil
	})
}

func (s *client) GetFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	objectKey := sessionID + "/" + path
	reader, err := s.objects.GetObject(ctx, s.bucket, objectKey)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.FileNotFound).
			WithMessagef("file %q not found in session %s", path, sessionID)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	return s.decode(payload)
}

func (s *client) ListFiles(ctx context.Context, sessionID string) ([]string, error) {
	paths, err := s.cache.SMembers(ctx, fileSetPrefix+sessionID)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StateStoreError)
	}
	return paths, nil
}

func (s *client) DeleteAll(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, func() error {
		if err := s.objects.RemovePrefix(ctx, s.bucket, sessionID+"/"); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		if err := s.cache.Del(ctx, fileSetPrefix+sessionID); err != nil {
			return appErr.Wrap(err, appErr.StateStoreError)
		}
		return nil
	})
}

// encode prepends a one-byte header: raw below the threshold, zstd above.
func (s *client) encode(data []byte) []byte {
	if int64(len(data)) < s.cfg.CompressThreshold {
		return append([]byte{encodingRaw}, data...)
	}
	compressed := s.enc.EncodeAll(data, []byte{encodingZstd})
	if len(compressed) >= len(data)+1 {
		return append([]byte{encodingRaw}, data...)
	}
	return compressed
}

func (s *client) decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, appErr.New(appErr.StateStoreError).WithMessage("empty payload")
	}
	switch payload[0] {
	case encodingRaw:
		return payload[1:], nil
	case encodingZstd:
		out, err := s.dec.DecodeAll(payload[1:], nil)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.StateStoreError)
		}
		return out, nil
	default:
		return nil, appErr.Newf(appErr.StateStoreError, "unknown payload encoding 0x%02x", payload[0])
	}
}

// withRetry retries once after a short pause. The store is the only layer
// that talks to external systems on the hot path, so transient faults get
// a single second chance rather than a full backoff loop.
func (s *client) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(100 * time.Millisecond):
	}
	logger.Debug(ctx, "retrying state store operation", zap.Error(err))
	return fn()
}

func validatePath(path string) error {
	if path == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("file path is required")
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return appErr.New(appErr.InvalidParams).
			WithMessagef("file path %q must be relative and inside the workspace", path)
	}
	return nil
}
