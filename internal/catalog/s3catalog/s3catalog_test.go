package s3catalog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	mu      sync.Mutex
	pages   []*s3.ListObjectVersionsOutput
	listErr error
	objects map[string]string // key@version -> content
	gets    []*s3.GetObjectInput
	inputs  []s3.ListObjectVersionsInput
}

func (m *mockS3Client) ListObjectVersions(_ context.Context, params *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.inputs = append(m.inputs, *params)
	page := m.pages[len(m.inputs)-1]
	return page, nil
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, params)
	content, ok := m.objects[aws.ToString(params.Key)+"@"+aws.ToString(params.VersionId)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(content))}, nil
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func version(key, id string, offset time.Duration, etag string) types.ObjectVersion {
	return types.ObjectVersion{
		Key:          aws.String(key),
		VersionId:    aws.String(id),
		LastModified: aws.Time(base.Add(offset)),
		ETag:         aws.String(`"` + etag + `"`),
		Size:         aws.Int64(3),
		Owner:        &types.Owner{DisplayName: aws.String("jdoe"), ID: aws.String("id-1")},
	}
}

func marker(key, id string, offset time.Duration) types.DeleteMarkerEntry {
	return types.DeleteMarkerEntry{
		Key:          aws.String(key),
		VersionId:    aws.String(id),
		LastModified: aws.Time(base.Add(offset)),
	}
}

func TestListFiles_RevisionsFromVersionHistory(t *testing.T) {
	client := &mockS3Client{
		pages: []*s3.ListObjectVersionsOutput{
			{
				Versions: []types.ObjectVersion{
					version("proj/a.txt", "a3", 3*time.Hour, "aaa3"),
					version("proj/a.txt", "a1", time.Hour, "aaa1"),
				},
				IsTruncated:         aws.Bool(true),
				NextKeyMarker:       aws.String("proj/a.txt"),
				NextVersionIdMarker: aws.String("a1"),
			},
			{
				Versions: []types.ObjectVersion{
					version("proj/a.txt", "a2", 2*time.Hour, "aaa2"),
					version("proj/gone.txt", "g1", time.Hour, "ggg"),
					version("proj/big.bin", "b1", time.Hour, "abc-2"),
					version("proj/dir/", "d1", time.Hour, "ddd"),
				},
				DeleteMarkers: []types.DeleteMarkerEntry{
					marker("proj/gone.txt", "g2", 2*time.Hour),
				},
				IsTruncated: aws.Bool(false),
			},
		},
	}

	cat := New(client, "bucket", "proj")
	records, err := cat.ListFiles(context.Background())
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "a.txt", records[0].Path)
	assert.Equal(t, 3, records[0].Revision)
	assert.Equal(t, "aaa3", records[0].Hash)
	assert.Equal(t, "a3", records[0].VersionID)
	assert.Equal(t, "jdoe", records[0].Actor)
	assert.True(t, records[0].ModTime.Equal(base.Add(3*time.Hour)))

	assert.Equal(t, "big.bin", records[1].Path)
	assert.Empty(t, records[1].Hash, "multipart etag is not a content hash")

	require.Len(t, client.inputs, 2)
	assert.Equal(t, "proj/", aws.ToString(client.inputs[0].Prefix))
	assert.Equal(t, "a1", aws.ToString(client.inputs[1].VersionIdMarker))
}

func TestListFiles_Error(t *testing.T) {
	cat := New(&mockS3Client{listErr: errors.New("AccessDenied")}, "bucket", "")
	_, err := cat.ListFiles(context.Background())
	assert.ErrorContains(t, err, "AccessDenied")
}

func TestFetch_PinsVersionAndStages(t *testing.T) {
	root := t.TempDir()
	client := &mockS3Client{
		objects: map[string]string{
			"proj/a.txt@a3":   "new",
			"proj/u.txt@":     "unversioned",
		},
	}
	cat := New(client, "bucket", "proj/")

	records := []*catalog.RemoteFileRecord{
		{Path: "a.txt", Revision: 3, VersionID: "a3", ModTime: base},
		{Path: "u.txt", Revision: 1, VersionID: "null", ModTime: base},
		{Path: "missing.txt", Revision: 1, VersionID: "m1"},
	}
	transfer, err := cat.Fetch(context.Background(), records, catalog.FetchOptions{Root: root, Force: true, PreserveModTime: true})
	require.NoError(t, err)
	defer transfer.Close()

	assert.Contains(t, transfer.Failed(), "missing.txt")
	require.True(t, transfer.CanCommit())
	require.NoError(t, transfer.Commit(context.Background()))

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	data, err = os.ReadFile(filepath.Join(root, "u.txt"))
	require.NoError(t, err)
	assert.Equal(t, "unversioned", string(data))
}

func TestClosedCatalog(t *testing.T) {
	cat := New(&mockS3Client{}, "bucket", "")
	require.NoError(t, cat.Close())

	_, err := cat.ListFiles(context.Background())
	assert.ErrorIs(t, err, catalog.ErrClosed)
	_, err = cat.Fetch(context.Background(), nil, catalog.FetchOptions{Root: t.TempDir()})
	assert.ErrorIs(t, err, catalog.ErrClosed)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Bucket: "b", AccessKey: "x"}).Validate())
	assert.NoError(t, (&Config{Bucket: "b"}).Validate())
	assert.NoError(t, (&Config{Bucket: "b", AccessKey: "x", SecretKey: "y"}).Validate())
}
