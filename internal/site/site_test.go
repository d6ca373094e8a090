package site

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolveFallsBackToNull(t *testing.T) {
	r := NewRegistry()
	adapter := r.Resolve("https://tracker.example.com/announce")
	_, err := adapter.SearchByHash(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ResolveMatchesKeyword(t *testing.T) {
	r := NewRegistry()
	r.Register("example.com", NullImpl{})
	generic := NewGenericImpl("http://localhost", "", "", time.Second)
	r.Register("special.example.com", generic)

	resolved := r.Resolve("https://special.example.com/announce")
	assert.Equal(t, generic, resolved)
}

func TestNullImpl(t *testing.T) {
	var n NullImpl
	_, err := n.SearchByHash(context.Background(), "hash")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = n.FetchPeerlist(context.Background(), "tid")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.False(t, n.CheckCookie(context.Background()))
}

func TestGenericImpl_SearchByHash(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/torrents.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<table class="torrents"><tr><td><a href="details.php?id=12345">name</a></td></tr></table>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGenericImpl(srv.URL, "uid=1", "", time.Second)
	result, err := g.SearchByHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "12345", result.Tid)
}

func TestGenericImpl_SearchByHash_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/torrents.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>no results</html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGenericImpl(srv.URL, "", "", time.Second)
	_, err := g.SearchByHash(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenericImpl_CheckCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="logout.php">logout</a>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGenericImpl(srv.URL, "c_secure_uid=1", "", time.Second)
	assert.True(t, g.CheckCookie(context.Background()))
}

func TestGenericImpl_FetchPeerlist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/viewpeerlist.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<td>reannounce in 120 seconds</td>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGenericImpl(srv.URL, "", "", time.Second)
	result, err := g.FetchPeerlist(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, float64(120), result.ReannounceInSeconds)
}
