package qbt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelpt/pacer/internal/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *int32) {
	var reannounceHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ok."))
	})
	mux.HandleFunc("/api/v2/torrents/info", func(w http.ResponseWriter, r *http.Request) {
		torrents := []Torrent{{Hash: "abc123", Name: "test", TotalSize: 1000, Uploaded: 500}}
		json.NewEncoder(w).Encode(torrents)
	})
	mux.HandleFunc("/api/v2/torrents/properties", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Properties{Reannounce: 42})
	})
	mux.HandleFunc("/api/v2/torrents/setUploadLimit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v2/torrents/reannounce", func(w http.ResponseWriter, r *http.Request) {
		reannounceHits++
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux), &reannounceHits
}

func testConfig(url string) *config.ClientConfig {
	return &config.ClientConfig{
		Instances: []config.ClientInstance{
			{ID: "c1", URL: url, Username: "admin", Password: "pw", SavePathRoot: "/tmp"},
		},
		RequestTimeout:     5 * time.Second,
		RPCRateLimitPerSec: 20.0,
	}
}

func TestHTTPClient_ListTorrents(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	torrents, err := c.ListTorrents(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, "abc123", torrents[0].Hash)
	assert.Equal(t, int64(500), torrents[0].Uploaded)
}

func TestHTTPClient_GetProperties(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	props, err := c.GetProperties(context.Background(), "c1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), props.Reannounce)
}

func TestHTTPClient_GetProperties_RateLimited(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RPCRateLimitPerSec = 1.0
	c, err := NewHTTPClient(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.GetProperties(ctx, "c1", "abc123")
	require.NoError(t, err)
	_, err = c.GetProperties(ctx, "c1", "abc123")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHTTPClient_SetUploadLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	err = c.SetUploadLimit(context.Background(), "c1", []string{"abc123"}, 1048576)
	assert.NoError(t, err)
}

func TestHTTPClient_ForceReannounce(t *testing.T) {
	srv, hits := newTestServer(t)
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	err = c.ForceReannounce(context.Background(), "c1", []string{"abc123"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *hits)
}

func TestHTTPClient_UnknownInstance(t *testing.T) {
	c, err := NewHTTPClient(testConfig("http://localhost"), nil)
	require.NoError(t, err)

	_, err = c.ListTorrents(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestHTTPClient_ListInstances(t *testing.T) {
	c, err := NewHTTPClient(testConfig("http://localhost"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, c.ListInstances())
}
