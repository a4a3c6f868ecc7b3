package archive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// bucket is an in-memory stand-in for both transfer managers.
type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func (b *bucket) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if b.failPut {
		return nil, errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[*in.Bucket+"/"+*in.Key] = data
	return &manager.UploadOutput{Key: in.Key}, nil
}

func (b *bucket) Download(_ context.Context, w io.WriterAt, in *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	b.mu.Lock()
	data, ok := b.objects[*in.Bucket+"/"+*in.Key]
	b.mu.Unlock()
	if !ok {
		return 0, errors.New("no such key")
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func newTestArchiver(b *bucket) *Archiver {
	return &Archiver{bucket: "cold", prefix: "agentos/checkpoints", up: b, down: b}
}

func TestArchiveAndFetch(t *testing.T) {
	b := &bucket{objects: make(map[string][]byte)}
	a := newTestArchiver(b)
	ctx := context.Background()

	p := store.NewProcess("archivist", "keep things")
	cp := &store.Checkpoint{ProcessState: p, Version: 4, Description: "before deploy"}
	cp.Prepare()

	key, err := a.Archive(ctx, cp)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := "agentos/checkpoints/" + p.ID + "/4-" + cp.ID + ".json"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	got, err := a.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.ID != cp.ID || got.Version != 4 || got.ProcessState.Name != "archivist" {
		t.Errorf("fetched = %+v", got)
	}
}

func TestArchiveUploadFailure(t *testing.T) {
	a := newTestArchiver(&bucket{objects: make(map[string][]byte), failPut: true})
	cp := &store.Checkpoint{ProcessState: store.NewProcess("x", "y"), Version: 1}
	cp.Prepare()
	if _, err := a.Archive(context.Background(), cp); err == nil {
		t.Error("upload failure not reported")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("empty bucket accepted")
	}
}
