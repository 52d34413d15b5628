package marketplace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPIServer(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "s3", r.URL.Query().Get("q"))
		assert.Equal(t, "providers", r.URL.Query().Get("category"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{
			"plugins": []map[string]any{
				{"name": "s3-provider", "version": "1.2.0", "category": "providers", "download_url": "/files/s3-provider-1.2.0.zip"},
				{"name": "", "version": "1.0.0"},
			},
		})
	})
	mux.HandleFunc("/api/plugins/s3-provider", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "s3-provider", "version": "1.2.0", "download_url": "/files/s3-provider-1.2.0.zip"})
	})
	mux.HandleFunc("/files/s3-provider-1.2.0.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("package-bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestHTTPRepository_BearerToken tests search, get and fetch with a static token
func TestHTTPRepository_BearerToken(t *testing.T) {
	srv := newAPIServer(t, "Bearer secret")
	ctx := context.Background()

	repo, err := NewHTTPRepository(ctx, srv.URL+"/api/", AuthConfig{Token: "secret"}, 5*time.Second)
	require.NoError(t, err)

	items, err := repo.Search(ctx, SearchQuery{Query: "s3", Category: "providers"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s3-provider", items[0].Name)
	assert.Equal(t, repo.Name(), items[0].Repository)

	l, err := repo.Get(ctx, "s3-provider")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", l.Version)

	body, err := repo.Fetch(ctx, l)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "package-bytes", string(data))
}

// TestHTTPRepository_ClientCredentials tests the OAuth2 client credentials flow
func TestHTTPRepository_ClientCredentials(t *testing.T) {
	srv := newAPIServer(t, "Bearer cc-token")

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	ctx := context.Background()
	repo, err := NewHTTPRepository(ctx, srv.URL+"/api", AuthConfig{
		ClientID:     "hangar",
		ClientSecret: "shh",
		TokenURL:     tokenSrv.URL,
	}, 5*time.Second)
	require.NoError(t, err)

	l, err := repo.Get(ctx, "s3-provider")
	require.NoError(t, err)
	assert.Equal(t, "s3-provider", l.Name)
}

// TestHTTPRepository_Errors tests status mapping
func TestHTTPRepository_Errors(t *testing.T) {
	srv := newAPIServer(t, "")
	ctx := context.Background()

	repo, err := NewHTTPRepository(ctx, srv.URL+"/api", AuthConfig{}, 5*time.Second)
	require.NoError(t, err)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)

	_, err = repo.Fetch(ctx, &Listing{Name: "x", Version: "1.0.0", DownloadURL: "/files/x.zip"})
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)

	denied, err := NewHTTPRepository(ctx, srv.URL+"/api", AuthConfig{Token: "wrong"}, 5*time.Second)
	require.NoError(t, err)
	_, err = denied.Search(ctx, SearchQuery{Query: "s3"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

// TestNewRepository tests scheme selection
func TestNewRepository(t *testing.T) {
	ctx := context.Background()

	repo, err := NewRepository(ctx, "https://plugins.example.com/api", RepositoryOptions{})
	require.NoError(t, err)
	assert.IsType(t, &HTTPRepository{}, repo)
	assert.Equal(t, "plugins.example.com", repo.Name())

	_, err = NewRepository(ctx, "ftp://plugins.example.com", RepositoryOptions{})
	assert.Error(t, err)
}
