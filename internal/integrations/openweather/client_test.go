package openweather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wx-dispatch/internal/integrations/paramstore"
)

type failingKeys struct{}

func (failingKeys) Token(context.Context) (string, error) {
	return "", errors.New("ssm unavailable")
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		paramstore.Static("owm-key"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestNewClient_NilKeys(t *testing.T) {
	_, err := NewClient(nil)
	require.ErrorContains(t, err, "nil")
}

func TestDirect_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/geo/1.0/direct", r.URL.Path)
		require.Equal(t, "Paris", r.URL.Query().Get("q"))
		require.Equal(t, "1", r.URL.Query().Get("limit"))
		require.Equal(t, "owm-key", r.URL.Query().Get("appid"))
		_, _ = w.Write([]byte(`[{"name":"Paris","lat":48.8588897,"lon":2.3200410,"country":"FR"}]`))
	}))
	defer srv.Close()

	places, err := newTestClient(t, srv).Direct(context.Background(), " Paris ")
	require.NoError(t, err)
	require.Len(t, places, 1)
	require.Equal(t, "Paris", places[0].Name)
	require.InDelta(t, 48.8588897, places[0].Latitude, 1e-9)
	require.InDelta(t, 2.3200410, places[0].Longitude, 1e-9)
}

func TestDirect_EmptyPlace(t *testing.T) {
	c, err := NewClient(paramstore.Static("owm-key"))
	require.NoError(t, err)
	_, err = c.Direct(context.Background(), "  ")
	require.ErrorContains(t, err, "empty")
}

func TestDirect_EmptyArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	places, err := newTestClient(t, srv).Direct(context.Background(), "Nowhere")
	require.NoError(t, err)
	require.Empty(t, places)
}

func TestReverse_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/geo/1.0/reverse", r.URL.Path)
		require.Equal(t, "51.5", r.URL.Query().Get("lat"))
		require.Equal(t, "-0.12", r.URL.Query().Get("lon"))
		_, _ = w.Write([]byte(`[{"name":"London","lat":51.5,"lon":-0.12}]`))
	}))
	defer srv.Close()

	places, err := newTestClient(t, srv).Reverse(context.Background(), 51.5, -0.12)
	require.NoError(t, err)
	require.Equal(t, "London", places[0].Name)
}

func TestLookup_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"cod":401,"message":"Invalid API key"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Direct(context.Background(), "Paris")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "401")
}

func TestLookup_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not-json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Reverse(context.Background(), 1, 2)
	require.ErrorContains(t, err, "decode response")
}

func TestLookup_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Direct(context.Background(), "Paris")
	require.ErrorContains(t, err, "request failed")
	require.NotContains(t, err.Error(), "owm-key")
}

func TestLookup_KeyError(t *testing.T) {
	c, err := NewClient(failingKeys{})
	require.NoError(t, err)
	_, err = c.Direct(context.Background(), "Paris")
	require.ErrorContains(t, err, "ssm unavailable")
}
