package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/timesync/internal/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DirSource ---

func TestDirSource_WriteListRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	src, err := NewDirSource(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, src.Write(ctx, "backup-full-2026-01-01.json", []byte(`{"a":1}`)))
	require.NoError(t, src.Write(ctx, "backup-inc-2026-01-02.json", []byte(`{}`)))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	objs, err := src.List(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "backup-full-2026-01-01.json", objs[0].Name)
	assert.Equal(t, int64(7), objs[0].Size)

	data, err := src.Read(ctx, "backup-full-2026-01-01.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	info, err := os.Stat(filepath.Join(dir, "backup-full-2026-01-01.json"))
	require.NoError(t, err)
	assert.Equal(t, backupFilePerm, info.Mode().Perm())
}

func TestDirSource_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	src, err := NewDirSource(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, src.Write(ctx, "backup-full-2026-01-01.json", []byte(`{"v":1}`)))

	err = src.Write(ctx, "backup-full-2026-01-01.json", []byte(`{"v":2}`))
	assert.ErrorIs(t, err, errors.ErrSnapshotExists)

	data, err := src.Read(ctx, "backup-full-2026-01-01.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestDirSource_ReadMissing(t *testing.T) {
	src, err := NewDirSource(t.TempDir())
	require.NoError(t, err)

	_, err = src.Read(context.Background(), "backup-full-2026-01-01.json")
	assert.ErrorIs(t, err, errors.ErrSnapshotNotFound)
}

func TestDirSource_RejectsPaths(t *testing.T) {
	src, err := NewDirSource(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"../x.json", "a/b.json", "..", ""} {
		_, err := src.Read(context.Background(), name)
		assert.Error(t, err, name)
		assert.NotErrorIs(t, err, errors.ErrSnapshotNotFound, name)
	}
}

// --- S3Source ---

// fakeS3 is an in-memory bucket paging two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	mod     time.Time
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), mod: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string

	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	if len(keys) > 2 {
		keys = keys[:2]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[1])
	}

	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(f.mod),
		})
	}

	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.objects[aws.ToString(in.Key)]; exists && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}

	f.objects[aws.ToString(in.Key)] = data

	return &s3.PutObjectOutput{}, nil
}

func TestS3Source_PaginatedListUnderPrefix(t *testing.T) {
	fake := newFakeS3()
	fake.objects["other/backup-full-2025-01-01.json"] = []byte(`{}`)
	fake.objects["timesync/nested/backup-full-2025-01-01.json"] = []byte(`{}`)

	src := NewS3SourceWithClient(fake, "bucket", "timesync")
	ctx := context.Background()

	for _, name := range []string{
		"backup-full-2026-01-01.json",
		"backup-inc-2026-01-02.json",
		"backup-inc-2026-01-03.json",
		"backup-inc-2026-01-04.json",
	} {
		require.NoError(t, src.Write(ctx, name, []byte(`{}`)))
	}

	objs, err := src.List(ctx)
	require.NoError(t, err)

	var names []string
	for _, o := range objs {
		names = append(names, o.Name)
	}

	assert.Equal(t, []string{
		"backup-full-2026-01-01.json",
		"backup-inc-2026-01-02.json",
		"backup-inc-2026-01-03.json",
		"backup-inc-2026-01-04.json",
	}, names)
	assert.Equal(t, int64(2), objs[0].Size)
	assert.Equal(t, fake.mod, objs[0].ModTime)
}

func TestS3Source_ReadWrite(t *testing.T) {
	fake := newFakeS3()
	src := NewS3SourceWithClient(fake, "bucket", "timesync/")
	ctx := context.Background()

	require.NoError(t, src.Write(ctx, "backup-full-2026-01-01.json", []byte(`{"v":1}`)))
	assert.Contains(t, fake.objects, "timesync/backup-full-2026-01-01.json")

	data, err := src.Read(ctx, "backup-full-2026-01-01.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	_, err = src.Read(ctx, "backup-full-2030-01-01.json")
	assert.ErrorIs(t, err, errors.ErrSnapshotNotFound)
}

func TestS3Source_NeverOverwrites(t *testing.T) {
	fake := newFakeS3()
	src := NewS3SourceWithClient(fake, "bucket", "")
	ctx := context.Background()

	require.NoError(t, src.Write(ctx, "backup-full-2026-01-01.json", []byte(`{"v":1}`)))

	err := src.Write(ctx, "backup-full-2026-01-01.json", []byte(`{"v":2}`))
	assert.ErrorIs(t, err, errors.ErrSnapshotExists)
	assert.Equal(t, `{"v":1}`, string(fake.objects["backup-full-2026-01-01.json"]))
}
