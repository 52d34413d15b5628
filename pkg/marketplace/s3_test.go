package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client serves objects from memory
type mockS3Client struct {
	objects map[string][]byte
	getErr  error
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*params.Bucket+"/"+*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newMockS3(t *testing.T) *mockS3Client {
	t.Helper()
	index, err := json.Marshal(map[string]any{
		"plugins": []map[string]any{
			{"name": "lint", "version": "1.0.0", "category": "validators", "download_url": "packages/lint-1.0.0.zip"},
			{"name": "lint", "version": "1.1.0", "category": "validators", "download_url": "s3://hangar-plugins/stable/packages/lint-1.1.0.zip"},
			{"name": "docs", "version": "0.3.0", "description": "lint docs", "category": "tools", "download_url": "packages/docs-0.3.0.zip"},
		},
	})
	require.NoError(t, err)
	return &mockS3Client{objects: map[string][]byte{
		"hangar-plugins/stable/index.json":                 index,
		"hangar-plugins/stable/packages/lint-1.0.0.zip":    []byte("lint-1.0.0"),
		"hangar-plugins/stable/packages/lint-1.1.0.zip":    []byte("lint-1.1.0"),
		"hangar-plugins/stable/packages/docs-0.3.0.zip":    []byte("docs-0.3.0"),
	}}
}

// TestS3Repository_Search tests filtering the static index
func TestS3Repository_Search(t *testing.T) {
	repo := NewS3RepositoryWithClient("hangar-plugins", "/stable/", newMockS3(t))
	assert.Equal(t, "s3://hangar-plugins/stable", repo.Name())

	items, err := repo.Search(context.Background(), SearchQuery{Query: "lint"})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = repo.Search(context.Background(), SearchQuery{Query: "lint", Category: "tools"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "docs", items[0].Name)
	assert.Equal(t, repo.Name(), items[0].Repository)
}

// TestS3Repository_GetFetch tests newest-version lookup and package keys
func TestS3Repository_GetFetch(t *testing.T) {
	repo := NewS3RepositoryWithClient("hangar-plugins", "stable", newMockS3(t))
	ctx := context.Background()

	l, err := repo.Get(ctx, "lint")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", l.Version)

	body, err := repo.Fetch(ctx, l)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, "lint-1.1.0", string(data))

	body, err = repo.Fetch(ctx, &Listing{Name: "docs", Version: "0.3.0", DownloadURL: "packages/docs-0.3.0.zip"})
	require.NoError(t, err)
	data, _ = io.ReadAll(body)
	body.Close()
	assert.Equal(t, "docs-0.3.0", string(data))

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)

	_, err = repo.Fetch(ctx, &Listing{Name: "x", DownloadURL: "s3://other-bucket/x.zip"})
	assert.Error(t, err)

	_, err = repo.Fetch(ctx, &Listing{Name: "x", DownloadURL: "https://example.com/x.zip"})
	assert.Error(t, err)
}

// TestS3Repository_Errors tests client failures and a missing index
func TestS3Repository_Errors(t *testing.T) {
	ctx := context.Background()

	repo := NewS3RepositoryWithClient("hangar-plugins", "stable", &mockS3Client{getErr: errors.New("access denied")})
	_, err := repo.Search(ctx, SearchQuery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	empty := NewS3RepositoryWithClient("hangar-plugins", "", &mockS3Client{objects: map[string][]byte{}})
	_, err = empty.Search(ctx, SearchQuery{})
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)
}

// TestParseS3URL tests bucket and prefix extraction
func TestParseS3URL(t *testing.T) {
	tests := []struct {
		url    string
		bucket string
		prefix string
		err    bool
	}{
		{"s3://bucket", "bucket", "", false},
		{"s3://bucket/a/b/", "bucket", "a/b", false},
		{"https://bucket/a", "", "", true},
		{"s3:///a", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			bucket, prefix, err := parseS3URL(tt.url)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.prefix, prefix)
		})
	}
}
