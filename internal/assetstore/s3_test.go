package assetstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01")

type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	puts      []*s3.PutObjectInput
	deleted   []string
	putErr    error
	deleteErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = b
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	key := aws.ToString(in.Key)
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestS3Store_UploadImage(t *testing.T) {
	api := newFakeS3()
	store := newS3Store(api, "elibrary", "https://store/")
	path := writeFile(t, "abc123.png", pngBytes)

	ref, err := store.Upload(context.Background(), UploadRequest{
		LocalPath: path, Folder: "book-covers", Name: "abc123", Format: "png", Kind: KindImage,
	})
	require.NoError(t, err)

	assert.Equal(t, "book-covers/abc123", ref.PublicID)
	assert.Equal(t, "https://store/book-covers/abc123.png", ref.URL)
	assert.Equal(t, int64(len(pngBytes)), ref.Bytes)
	require.Len(t, api.puts, 1)
	assert.Equal(t, "book-covers/abc123.png", aws.ToString(api.puts[0].Key))
	assert.Equal(t, "image/png", aws.ToString(api.puts[0].ContentType))
	assert.Equal(t, "image", api.puts[0].Metadata["asset-kind"])

	id, err := PublicIDFromURL(ref.URL)
	require.NoError(t, err)
	assert.Equal(t, ref.PublicID, id)
}

func TestS3Store_ImagePipelineRejectsNonImages(t *testing.T) {
	api := newFakeS3()
	store := newS3Store(api, "elibrary", "https://store")
	path := writeFile(t, "fake.jpg", []byte("%PDF-1.4 not an image"))

	_, err := store.Upload(context.Background(), UploadRequest{
		LocalPath: path, Folder: "book-covers", Name: "fake", Format: "jpg", Kind: KindImage,
	})
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
	assert.Empty(t, api.puts, "no network call for rejected payloads")
}

func TestS3Store_UploadRaw(t *testing.T) {
	api := newFakeS3()
	store := newS3Store(api, "elibrary", "https://store")
	path := writeFile(t, "dune.pdf", []byte("%PDF-1.4\n"))

	ref, err := store.Upload(context.Background(), UploadRequest{
		LocalPath: path, Folder: "book-pdfs", Name: "dune", Format: "pdf", Kind: KindRaw,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://store/book-pdfs/dune.pdf", ref.URL)
	assert.Equal(t, "application/pdf", aws.ToString(api.puts[0].ContentType))
	assert.Equal(t, `attachment; filename="dune.pdf"`, aws.ToString(api.puts[0].ContentDisposition))
}

func TestS3Store_UploadErrors(t *testing.T) {
	api := newFakeS3()
	store := newS3Store(api, "elibrary", "https://store")
	ctx := context.Background()

	_, err := store.Upload(ctx, UploadRequest{LocalPath: "/nope", Folder: "f", Name: "n", Format: "pdf", Kind: "video"})
	assert.Error(t, err)

	_, err = store.Upload(ctx, UploadRequest{LocalPath: "/nope", Folder: "f/g", Name: "n", Format: "pdf", Kind: KindRaw})
	assert.ErrorIs(t, err, ErrInvalidPublicID)

	_, err = store.Upload(ctx, UploadRequest{LocalPath: "/does/not/exist", Folder: "f", Name: "n", Format: "pdf", Kind: KindRaw})
	assert.ErrorIs(t, err, os.ErrNotExist)

	api.putErr = errors.New("503 slow down")
	path := writeFile(t, "x.pdf", []byte("%PDF"))
	_, err = store.Upload(ctx, UploadRequest{LocalPath: path, Folder: "f", Name: "n", Format: "pdf", Kind: KindRaw})
	assert.ErrorIs(t, err, api.putErr)
}

func TestS3Store_DeleteIsScopedAndIdempotent(t *testing.T) {
	api := newFakeS3()
	api.objects["book-covers/abc.jpg"] = []byte("a")
	api.objects["book-covers/abc.def.jpg"] = []byte("other asset named abc.def")
	api.objects["book-covers/abcd.jpg"] = []byte("other asset named abcd")
	store := newS3Store(api, "elibrary", "https://store")
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, "book-covers/abc", KindImage))
	assert.Equal(t, []string{"book-covers/abc.jpg"}, api.deleted)
	assert.Contains(t, api.objects, "book-covers/abc.def.jpg")
	assert.Contains(t, api.objects, "book-covers/abcd.jpg")

	require.NoError(t, store.Delete(ctx, "book-covers/abc", KindImage), "already absent is not an error")
	assert.Len(t, api.deleted, 1)

	assert.ErrorIs(t, store.Delete(ctx, "no-folder", KindImage), ErrInvalidPublicID)
}

func TestS3Store_DeleteFailure(t *testing.T) {
	api := newFakeS3()
	api.objects["book-pdfs/x.pdf"] = []byte("x")
	api.deleteErr = errors.New("access denied")
	store := newS3Store(api, "elibrary", "https://store")

	err := store.Delete(context.Background(), "book-pdfs/x", KindRaw)
	assert.ErrorIs(t, err, api.deleteErr)
}
