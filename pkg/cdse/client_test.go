package cdse

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumesight/aerofuse/internal/fetcher"
)

// fastFetcher disables retries so failure paths return immediately.
func fastFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Attempts: 1})
}

// newTokenServer serves the password grant, asserting the form fields and
// counting calls.
func newTokenServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cdse-public", r.PostFormValue("client_id"))
		assert.Equal(t, "password", r.PostFormValue("grant_type"))
		assert.Equal(t, "copernicus-user", r.PostFormValue("username"))
		assert.Equal(t, "hunter2", r.PostFormValue("password"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","expires_in":600}`))
	}))
}

func TestSearchLatest(t *testing.T) {
	wkt := "POLYGON ((-73.97 45.41, -73.47 45.41, -73.47 45.71, -73.97 45.71, -73.97 45.41))"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Products", r.URL.Path)
		q := r.URL.Query()
		filter := q.Get("$filter")
		assert.Contains(t, filter, "Collection/Name eq 'SENTINEL-5P'")
		assert.Contains(t, filter, "contains(Name, 'L2__CH4')")
		assert.Contains(t, filter, "OData.CSC.Intersects(area=geography'SRID=4326;"+wkt+"')")
		assert.Equal(t, "1", q.Get("$top"))
		assert.Equal(t, "ContentDate/Start desc", q.Get("$orderby"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{
			"Id":"aa1b2c3d-0001-4abc-9def-123456789abc",
			"Name":"S5P_OFFL_L2__CH4____20240601T170524.nc",
			"Online":true,
			"ContentDate":{"Start":"2024-06-01T17:05:24.000Z","End":"2024-06-01T18:47:12.000Z"}
		}]}`))
	}))
	defer srv.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(srv.URL), WithFetcher(fastFetcher()))

	p, err := c.SearchLatest(context.Background(), wkt)
	require.NoError(t, err)
	assert.Equal(t, "aa1b2c3d-0001-4abc-9def-123456789abc", p.ID)
	assert.Equal(t, "S5P_OFFL_L2__CH4____20240601T170524.nc", p.Name)
	assert.True(t, p.Online)
	assert.Equal(t, 2024, p.ContentDate.Start.Year())
	assert.True(t, p.ContentDate.End.After(p.ContentDate.Start))
}

func TestSearchLatest_CustomCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("$filter")
		assert.Contains(t, filter, "Collection/Name eq 'SENTINEL-2'")
		assert.Contains(t, filter, "contains(Name, 'L2__NO2')")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"Id":"x","Name":"n.nc","Online":true}]}`))
	}))
	defer srv.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(srv.URL),
		WithCollection("SENTINEL-2"),
		WithProductLevel("L2__NO2"),
		WithFetcher(fastFetcher()))

	_, err := c.SearchLatest(context.Background(), "POLYGON ((0 0, 1 0, 1 1, 0 0))")
	require.NoError(t, err)
}

func TestSearchLatest_NoProducts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(srv.URL), WithFetcher(fastFetcher()))

	_, err := c.SearchLatest(context.Background(), "POLYGON ((0 0, 1 0, 1 1, 0 0))")
	assert.True(t, errors.Is(err, ErrNoProducts))
}

func TestSearchLatest_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed $filter", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(srv.URL), WithFetcher(fastFetcher()))

	_, err := c.SearchLatest(context.Background(), "POLYGON ((0 0, 1 0, 1 1, 0 0))")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "malformed $filter")
}

func TestDownloadNetCDF_Direct(t *testing.T) {
	var tokenCalls atomic.Int64
	tokenSrv := newTokenServer(t, &tokenCalls)
	defer tokenSrv.Close()

	payload := []byte("netcdf-bytes-go-here")
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Products(aa1b2c3d)/$value", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	defer catalog.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(catalog.URL),
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	dest := filepath.Join(t.TempDir(), "sentinel-5p", "latest.nc")
	p := &Product{ID: "aa1b2c3d", Name: "S5P_OFFL_L2__CH4____20240601T170524.nc"}

	n, err := c.DownloadNetCDF(context.Background(), p, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestDownloadNetCDF_TokenReused(t *testing.T) {
	var tokenCalls atomic.Int64
	tokenSrv := newTokenServer(t, &tokenCalls)
	defer tokenSrv.Close()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("nc"))
	}))
	defer catalog.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(catalog.URL),
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	dir := t.TempDir()
	p := &Product{ID: "aa1b2c3d", Name: "S5P_A.nc"}
	_, err := c.DownloadNetCDF(context.Background(), p, filepath.Join(dir, "a.nc"))
	require.NoError(t, err)
	_, err = c.DownloadNetCDF(context.Background(), p, filepath.Join(dir, "b.nc"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestDownloadNetCDF_Offline(t *testing.T) {
	var tokenCalls atomic.Int64
	tokenSrv := newTokenServer(t, &tokenCalls)
	defer tokenSrv.Close()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer catalog.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(catalog.URL),
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	p := &Product{ID: "aa1b2c3d", Name: "S5P_LTA.nc"}
	_, err := c.DownloadNetCDF(context.Background(), p, filepath.Join(t.TempDir(), "latest.nc"))
	assert.True(t, errors.Is(err, ErrProductOffline))
	assert.Contains(t, err.Error(), "S5P_LTA.nc")
}

func TestDownloadNetCDF_HTMLBody(t *testing.T) {
	var tokenCalls atomic.Int64
	tokenSrv := newTokenServer(t, &tokenCalls)
	defer tokenSrv.Close()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>Session expired, please log in</body></html>"))
	}))
	defer catalog.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(catalog.URL),
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	p := &Product{ID: "aa1b2c3d", Name: "S5P_A.nc"}
	_, err := c.DownloadNetCDF(context.Background(), p, filepath.Join(t.TempDir(), "latest.nc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text/html")
	assert.Contains(t, err.Error(), "Session expired")
}

func TestDownloadNetCDF_Zip(t *testing.T) {
	var tokenCalls atomic.Int64
	tokenSrv := newTokenServer(t, &tokenCalls)
	defer tokenSrv.Close()

	payload := []byte("zipped-netcdf-payload")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mf, err := zw.Create("S5P_PRODUCT/manifest.safe")
	require.NoError(t, err)
	_, err = mf.Write([]byte("<manifest/>"))
	require.NoError(t, err)
	nc, err := zw.Create("S5P_PRODUCT/data/measurement.nc")
	require.NoError(t, err)
	_, err = nc.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer catalog.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(catalog.URL),
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	cacheDir := t.TempDir()
	dest := filepath.Join(cacheDir, "latest.nc")
	p := &Product{ID: "aa1b2c3d", Name: "S5P_OFFL_L2__CH4____20240601T170524"}

	n, err := c.DownloadNetCDF(context.Background(), p, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Scratch files are cleaned up; only the installed product remains.
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "latest.nc", entries[0].Name())
}

func TestDownloadNetCDF_RedirectKeepsAuth(t *testing.T) {
	var tokenCalls atomic.Int64
	tokenSrv := newTokenServer(t, &tokenCalls)
	defer tokenSrv.Close()

	var gotAuth atomic.Value
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("nc"))
	}))
	defer mirror.Close()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, mirror.URL+"/dl", http.StatusFound)
	}))
	defer catalog.Close()

	// The catalog is addressed as localhost while the mirror answers on
	// 127.0.0.1, so the standard client treats the hop as cross-host and
	// would drop the Authorization header without CheckRedirect.
	catalogURL := strings.Replace(catalog.URL, "127.0.0.1", "localhost", 1)

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(catalogURL),
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	p := &Product{ID: "aa1b2c3d", Name: "S5P_A.nc"}
	_, err := c.DownloadNetCDF(context.Background(), p, filepath.Join(t.TempDir(), "latest.nc"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth.Load())
}

func TestDownloadNetCDF_TokenRejected(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer tokenSrv.Close()

	c := NewClient("copernicus-user", "wrong",
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	p := &Product{ID: "aa1b2c3d", Name: "S5P_A.nc"}
	_, err := c.DownloadNetCDF(context.Background(), p, filepath.Join(t.TempDir(), "latest.nc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token endpoint returned 401")
}

func TestTokenExpiryForcesRefresh(t *testing.T) {
	var tokenCalls atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"short-lived","expires_in":600}`))
	}))
	defer tokenSrv.Close()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("nc"))
	}))
	defer catalog.Close()

	c := NewClient("copernicus-user", "hunter2",
		WithBaseURL(catalog.URL),
		WithTokenURL(tokenSrv.URL),
		WithFetcher(fastFetcher()))

	dir := t.TempDir()
	p := &Product{ID: "aa1b2c3d", Name: "S5P_A.nc"}
	_, err := c.DownloadNetCDF(context.Background(), p, filepath.Join(dir, "a.nc"))
	require.NoError(t, err)

	// Expire the cached token and download again.
	impl := c.(*client)
	impl.mu.Lock()
	impl.expires = time.Now().Add(-time.Minute)
	impl.mu.Unlock()

	_, err = c.DownloadNetCDF(context.Background(), p, filepath.Join(dir, "b.nc"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), tokenCalls.Load())
}
