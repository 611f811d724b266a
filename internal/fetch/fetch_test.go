package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 64)

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/chunked", func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length; flushing forces chunked encoding.
		for i := 0; i < 4; i++ {
			_, _ = w.Write(payload)
			w.(http.Flusher).Flush()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name       string
		path       string
		maxBytes   int64
		want       []byte
		wantStatus int
		wantErr    string
	}{
		{name: "success", path: "/ok", maxBytes: 1024, want: payload},
		{name: "no cap", path: "/ok", maxBytes: 0, want: payload},
		{name: "exact cap", path: "/ok", maxBytes: 64, want: payload},
		{name: "not found", path: "/missing", maxBytes: 1024, wantStatus: http.StatusNotFound, wantErr: "404 Not Found"},
		{name: "content length over cap", path: "/ok", maxBytes: 10, wantStatus: http.StatusOK, wantErr: "exceeds 10 bytes"},
		{name: "streamed body over cap", path: "/chunked", maxBytes: 100, wantStatus: http.StatusOK, wantErr: "exceeds 100 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewHTTPFetcher(time.Second, tt.maxBytes)
			got, err := f.Fetch(context.Background(), srv.URL+tt.path)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			require.Error(t, err)
			var fe *Error
			require.True(t, errors.As(err, &fe), "expected *fetch.Error, got %T", err)
			assert.Equal(t, tt.wantStatus, fe.Status)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHTTPFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(50*time.Millisecond, 0)
	start := time.Now()
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Zero(t, fe.Status)
}

func TestHTTPFetcherUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPFetcher(time.Second, 0).Fetch(context.Background(), url)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, url, fe.URL)
}

func TestHTTPFetcherMalformedURL(t *testing.T) {
	_, err := NewHTTPFetcher(time.Second, 0).Fetch(context.Background(), "not a url")
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.True(t, strings.Contains(err.Error(), "unsupported protocol") || strings.Contains(err.Error(), "not a url"))
}
