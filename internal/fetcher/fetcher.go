// Package fetcher downloads raw upstream files over HTTP and FTP and parses
// the formats they arrive in: CSV, JSON, XLSX, and ZIP.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote files.
type Fetcher interface {
	// Download fetches the URL and returns the response body. The caller
	// must close it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into a local file, creating parent
	// directories as needed. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
