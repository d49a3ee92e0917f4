package ufs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu      sync.RWMutex
	objects map[string][]byte
	getErr  error
	headErr error
	ranges  []string
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	data, ok := m.objects[*params.Key]
	if params.Range != nil {
		m.ranges = append(m.ranges, *params.Range)
	}
	m.mu.Unlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}

	// Open-ended range requests only.
	if params.Range != nil {
		var start int64
		fmt.Sscanf(*params.Range, "bytes=%d-", &start)
		if start > int64(len(data)) {
			start = int64(len(data))
		}
		data = data[start:]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: intPtr(int64(len(data))),
	}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: intPtr(int64(len(data)))}, nil
}

func (m *mockS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func intPtr(v int64) *int64 { return &v }

func TestS3UFS_RangedOpen(t *testing.T) {
	mock := newMockS3()
	mock.objects["warehouse/data/part-0"] = []byte("0123456789")
	u := NewS3UFS(mock, "test-bucket", "/warehouse/", zap.NewNop())
	ctx := context.Background()

	rc, err := u.Open(ctx, "/data/part-0", 6)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "6789" {
		t.Fatalf("got %q", got)
	}
	if len(mock.ranges) != 1 || mock.ranges[0] != "bytes=6-" {
		t.Fatalf("unexpected ranges %v", mock.ranges)
	}

	rc, err = u.Open(ctx, "data/part-0", 0)
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()
	if len(mock.ranges) != 1 {
		t.Fatal("offset 0 should not send a Range header")
	}

	size, err := u.Size(ctx, "data/part-0")
	if err != nil || size != 10 {
		t.Fatalf("size = %d, %v", size, err)
	}
}

func TestS3UFS_Errors(t *testing.T) {
	mock := newMockS3()
	u := NewS3UFS(mock, "test-bucket", "", zap.NewNop())
	ctx := context.Background()

	if _, err := u.Open(ctx, "missing", 0); err == nil {
		t.Fatal("expected error for missing key")
	}
	var nsk *s3types.NoSuchKey
	if _, err := u.Open(ctx, "missing", 0); !errors.As(err, &nsk) {
		t.Fatalf("expected NoSuchKey in chain, got %v", err)
	}
	if err := u.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	mock.headErr = errors.New("unreachable")
	if err := u.Ping(ctx); err == nil {
		t.Fatal("ping should fail")
	}
}

func TestNewS3UFSFromConfig(t *testing.T) {
	if _, err := NewS3UFSFromConfig(context.Background(), config.S3UFSConfig{Region: "us-east-1"}, zap.NewNop()); err == nil {
		t.Fatal("expected error without bucket")
	}

	u, err := NewS3UFSFromConfig(context.Background(), config.S3UFSConfig{
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "us-east-1",
		Bucket:          "lake",
		Prefix:          "/raw/",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		ForcePathStyle:  true,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if u.Type() != "s3" || u.objectKey("/a/b") != "raw/a/b" {
		t.Fatalf("unexpected ufs: type=%s key=%s", u.Type(), u.objectKey("/a/b"))
	}
}
