package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"tci/internal/common/cache"
	"tci/internal/common/storage"
	"tci/internal/execution"
	appErr "tci/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// memObjects is an in-memory ObjectStorage used in place of MinIO.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	// putFailures makes the next N puts fail, for retry tests
	putFailures int
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) key(bucket, objectKey string) string { return bucket + "/" + objectKey }

func (m *memObjects) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[m.key(bucket, objectKey)]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectKey)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putFailures > 0 {
		m.putFailures--
		return fmt.Errorf("transient put failure")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.objects[m.key(bucket, objectKey)] = data
	return nil
}

func (m *memObjects) RemoveObject(ctx context.Context, bucket, objectKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, m.key(bucket, objectKey))
	return nil
}

func (m *memObjects) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	full := m.key(bucket, prefix)
	for k := range m.objects {
		if strings.HasPrefix(k, full) {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memObjects) RemovePrefix(ctx context.Context, bucket, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := m.key(bucket, prefix)
	for k := range m.objects {
		if strings.HasPrefix(k, full) {
			delete(m.objects, k)
		}
	}
	return nil
}

func newTestClient(t *testing.T) (Client, *memObjects) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	objects := newMemObjects()
	c, err := NewClient(Config{CompressThreshold: 64}, rc, objects, "tci")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, objects
}

func TestSessionRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	meta := &Metadata{
		ID:           "sess-1",
		State:        "idle",
		Language:     "python",
		Profile:      "small",
		InstanceID:   "sbx-1",
		Labels:       map[string]string{"team": "ml"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		LastActiveAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := c.PutSession(ctx, meta); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := c.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != meta.ID || got.State != meta.State || got.Language != meta.Language {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.Labels["team"] != "ml" {
		t.Fatalf("labels lost: %+v", got.Labels)
	}
	if !got.CreatedAt.Equal(meta.CreatedAt) {
		t.Fatalf("CreatedAt changed: %v vs %v", got.CreatedAt, meta.CreatedAt)
	}

	ids, err := c.ListSessions(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "sess-1" {
		t.Fatalf("ListSessions = %v, %v", ids, err)
	}
}

func TestGetSessionMissing(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.GetSession(context.Background(), "nope")
	if !appErr.Is(err, appErr.SessionNotFound) {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestExecutionRecords(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	rec := &execution.Record{
		ID:          "exec-1",
		SessionID:   "sess-1",
		Language:    "python",
		Status:      execution.StatusSucceeded,
		Stdout:      "hello\n",
		TotalReward: 2.5,
		TestResults: []execution.TestResult{{Name: "t1", Passed: true, Reward: 2.5}},
	}
	if err := c.PutExecution(ctx, rec); err != nil {
		t.Fatalf("PutExecution: %v", err)
	}

	got, err := c.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != execution.StatusSucceeded || got.TotalReward != 2.5 {
		t.Fatalf("record mismatch: %+v", got)
	}

	ids, err := c.ListExecutions(ctx, "sess-1")
	if err != nil || len(ids) != 1 {
		t.Fatalf("ListExecutions = %v, %v", ids, err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	c, objects := newTestClient(t)
	ctx := context.Background()

	small := []byte("short content")
	if err := c.PutFile(ctx, "sess-1", "data/output.txt", small); err != nil {
		t.Fatalf("PutFile small: %v", err)
	}
	got, err := c.GetFile(ctx, "sess-1", "data/output.txt")
	if err != nil {
		t.Fatalf("GetFile small: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Fatalf("small payload mismatch: %q", got)
	}

	// above the threshold the payload is compressed at rest
	large := bytes.Repeat([]byte("abcdefgh"), 1024)
	if err := c.PutFile(ctx, "sess-1", "big.bin", large); err != nil {
		t.Fatalf("PutFile large: %v", err)
	}
	stored := objects.objects["tci/sess-1/big.bin"]
	if len(stored) == 0 || stored[0] != encodingZstd {
		t.Fatalf("large payload not compressed, header = %v", stored[:1])
	}
	if len(stored) >= len(large) {
		t.Fatalf("compressed payload not smaller: %d vs %d", len(stored), len(large))
	}
	got, err = c.GetFile(ctx, "sess-1", "big.bin")
	if err != nil {
		t.Fatalf("GetFile large: %v", err)
	}
	if !bytes.Equal(got, large) {
		t.Fatal("large payload mismatch after decompression")
	}

	paths, err := c.ListFiles(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	sort.Strings(paths)
	if len(paths) != 2 || paths[0] != "big.bin" || paths[1] != "data/output.txt" {
		t.Fatalf("ListFiles = %v", paths)
	}
}

func TestFileValidation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.PutFile(ctx, "s", "/abs/path", []byte("x")); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("absolute path accepted: %v", err)
	}
	if err := c.PutFile(ctx, "s", "../escape", []byte("x")); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("traversal accepted: %v", err)
	}
	if _, err := c.GetFile(ctx, "s", "missing.txt"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected FileNotFound, got %v", err)
	}
}

func TestFileTooLarge(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	c, err := NewClient(Config{MaxFileBytes: 16}, rc, newMemObjects(), "tci")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	err = c.PutFile(context.Background(), "s", "big", bytes.Repeat([]byte("a"), 32))
	if !appErr.Is(err, appErr.FileTooLarge) {
		t.Fatalf("expected FileTooLarge, got %v", err)
	}
}

func TestPutFileRetriesTransientFailure(t *testing.T) {
	c, objects := newTestClient(t)
	objects.putFailures = 1

	if err := c.PutFile(context.Background(), "s", "f.txt", []byte("payload")); err != nil {
		t.Fatalf("put should succeed after one retry: %v", err)
	}
	got, err := c.GetFile(context.Background(), "s", "f.txt")
	if err != nil || string(got) != "payload" {
		t.Fatalf("GetFile after retry = %q, %v", got, err)
	}
}

func TestDeleteAll(t *testing.T) {
	c, objects := newTestClient(t)
	ctx := context.Background()

	_ = c.PutSession(ctx, &Metadata{ID: "sess-1", State: "idle"})
	_ = c.PutExecution(ctx, &execution.Record{ID: "exec-1", SessionID: "sess-1"})
	_ = c.PutFile(ctx, "sess-1", "a.txt", []byte("a"))
	_ = c.PutFile(ctx, "sess-1", "b.txt", []byte("b"))

	if err := c.DeleteAll(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	if keys, _ := objects.ListObjects(ctx, "tci", "sess-1/"); len(keys) != 0 {
		t.Fatalf("file objects survived DeleteAll: %v", keys)
	}
	if _, err := c.GetFile(ctx, "sess-1", "a.txt"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected FileNotFound after DeleteAll, got %v", err)
	}
	if paths, err := c.ListFiles(ctx, "sess-1"); err != nil || len(paths) != 0 {
		t.Fatalf("file index survived DeleteAll: %v, %v", paths, err)
	}

	// metadata and execution records stay queryable after cleanup
	if _, err := c.GetSession(ctx, "sess-1"); err != nil {
		t.Fatalf("session metadata must survive DeleteAll: %v", err)
	}
	if _, err := c.GetExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("execution record must survive DeleteAll: %v", err)
	}
}
