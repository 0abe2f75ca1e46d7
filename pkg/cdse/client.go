// Package cdse provides a client for the Copernicus Data Space Ecosystem,
// the catalog that serves Sentinel-5P products. Search goes through the
// public OData endpoint; downloads need a bearer token from the CDSE
// identity service, obtained with the password grant.
package cdse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/fetcher"
	"github.com/plumesight/aerofuse/internal/resilience"
)

const (
	defaultBaseURL      = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	defaultTokenURL     = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	defaultCollection   = "SENTINEL-5P"
	defaultProductLevel = "L2__CH4"

	// clientID is the public OAuth client the identity service accepts for
	// password-grant logins.
	clientID = "cdse-public"
)

var (
	// ErrProductOffline means the product sits in the Long Term Archive and
	// is not immediately downloadable. Retry after the archive restores it.
	ErrProductOffline = eris.New("cdse: product offline in long term archive")

	// ErrNoProducts means the search matched nothing.
	ErrNoProducts = eris.New("cdse: no products match")
)

// Product is one catalog entry from an OData search.
type Product struct {
	ID          string `json:"Id"`
	Name        string `json:"Name"`
	Online      bool   `json:"Online"`
	ContentDate struct {
		Start time.Time `json:"Start"`
		End   time.Time `json:"End"`
	} `json:"ContentDate"`
}

// Client defines the catalog operations.
type Client interface {
	// SearchLatest returns the newest product in the configured collection
	// whose footprint intersects the given WKT polygon.
	SearchLatest(ctx context.Context, footprintWKT string) (*Product, error)
	// DownloadNetCDF fetches a product and installs its NetCDF payload at
	// destPath. Zipped products are unpacked to their first .nc member.
	// Returns the size of the installed file.
	DownloadNetCDF(ctx context.Context, product *Product, destPath string) (int64, error)
}

// Option configures the client.
type Option func(*client)

// WithBaseURL sets a custom catalog URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTokenURL sets a custom identity endpoint (for testing).
func WithTokenURL(u string) Option {
	return func(c *client) {
		c.tokenURL = u
	}
}

// WithCollection sets the collection name searched.
func WithCollection(name string) Option {
	return func(c *client) {
		if name != "" {
			c.collection = name
		}
	}
}

// WithProductLevel sets the product name fragment searched, e.g. L2__NO2.
func WithProductLevel(level string) Option {
	return func(c *client) {
		if level != "" {
			c.level = level
		}
	}
}

// WithFetcher sets the HTTP fetcher used for token and search calls.
func WithFetcher(f *fetcher.HTTPFetcher) Option {
	return func(c *client) {
		c.fetch = f
	}
}

type client struct {
	username   string
	password   string
	baseURL    string
	tokenURL   string
	collection string
	level      string

	fetch *fetcher.HTTPFetcher
	// dl follows the catalog's redirect to the download host. It carries no
	// overall timeout; product files run to hundreds of megabytes and the
	// context bounds the transfer instead.
	dl *http.Client

	mu      sync.Mutex
	tok     string
	expires time.Time
}

// NewClient creates a catalog client authenticating as the given CDSE user.
func NewClient(username, password string, opts ...Option) Client {
	c := &client{
		username:   username,
		password:   password,
		baseURL:    defaultBaseURL,
		tokenURL:   defaultTokenURL,
		collection: defaultCollection,
		level:      defaultProductLevel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetch == nil {
		c.fetch = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	}
	c.dl = &http.Client{CheckRedirect: reattachAuth}
	return c
}

// reattachAuth keeps the Authorization header across redirects. The catalog
// hands downloads off to a separate host, and the standard client strips the
// header when following it there.
func reattachAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return eris.New("cdse: too many redirects")
	}
	if auth := via[0].Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a bearer token, reusing the cached one until it nears expiry.
func (c *client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok != "" && time.Now().Before(c.expires) {
		return c.tok, nil
	}

	form := url.Values{
		"client_id":  {clientID},
		"grant_type": {"password"},
		"username":   {c.username},
		"password":   {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", eris.Wrap(err, "cdse: build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.fetch.Do(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, "cdse: token request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("cdse: token endpoint returned %d: %s",
			resp.StatusCode, bodySnippet(resp.Body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", eris.Wrap(err, "cdse: parse token response")
	}
	if tr.AccessToken == "" {
		return "", eris.New("cdse: token response has no access_token")
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.tok = tr.AccessToken
	c.expires = time.Now().Add(ttl - 30*time.Second)
	return c.tok, nil
}

type searchResponse struct {
	Value []Product `json:"value"`
}

func (c *client) SearchLatest(ctx context.Context, footprintWKT string) (*Product, error) {
	filter := fmt.Sprintf(
		"Collection/Name eq '%s' and contains(Name, '%s') and OData.CSC.Intersects(area=geography'SRID=4326;%s')",
		c.collection, c.level, footprintWKT,
	)
	params := url.Values{
		"$filter":  {filter},
		"$orderby": {"ContentDate/Start desc"},
		"$top":     {"1"},
	}
	reqURL := c.baseURL + "/Products?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "cdse: build search request")
	}

	resp, err := c.fetch.Do(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "cdse: search request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("cdse: search returned %d: %s",
			resp.StatusCode, bodySnippet(resp.Body))
	}

	sr, err := fetcher.DecodeJSONObject[searchResponse](resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "cdse: parse search response")
	}
	if len(sr.Value) == 0 {
		return nil, ErrNoProducts
	}

	p := sr.Value[0]
	zap.L().Info("cdse: found product",
		zap.String("name", p.Name),
		zap.String("id", p.ID),
		zap.Time("sensing_start", p.ContentDate.Start),
		zap.Bool("online", p.Online),
	)
	return &p, nil
}

func (c *client) DownloadNetCDF(ctx context.Context, product *Product, destPath string) (int64, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return 0, err
	}

	reqURL := fmt.Sprintf("%s/Products(%s)/$value", c.baseURL, product.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, eris.Wrap(err, "cdse: build download request")
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	policy := resilience.Policy{OnRetry: resilience.LogRetries("cdse")}
	resp, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*http.Response, error) {
		r, err := c.dl.Do(req.Clone(ctx))
		if err != nil {
			return nil, eris.Wrapf(err, "cdse: download %s", product.Name)
		}
		if resilience.RetryableStatus(r.StatusCode) {
			msg := bodySnippet(r.Body)
			_ = r.Body.Close()
			return nil, resilience.Transient(
				eris.Errorf("cdse: http %d downloading %s: %s", r.StatusCode, product.Name, msg),
				r.StatusCode,
			)
		}
		return r, nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusAccepted {
		return 0, eris.Wrapf(ErrProductOffline, "cdse: %s", product.Name)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, eris.Errorf("cdse: download returned %d: %s",
			resp.StatusCode, bodySnippet(resp.Body))
	}

	// A 200 with an HTML or JSON body is an error page, not product data.
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/json") {
		return 0, eris.Errorf("cdse: expected a data file, got %s: %s", ct, bodySnippet(resp.Body))
	}

	return c.install(resp.Body, product.Name, destPath)
}

// install streams the payload to a temp file beside destPath and moves the
// NetCDF into place, unpacking first when the product arrived zipped.
func (c *client) install(body io.Reader, productName, destPath string) (int64, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrap(err, "cdse: create destination directory")
	}

	tmp, err := os.CreateTemp(dir, ".cdse-*")
	if err != nil {
		return 0, eris.Wrap(err, "cdse: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, eris.Wrapf(err, "cdse: write %s", productName)
	}

	if strings.HasSuffix(productName, ".nc") {
		if err := os.Rename(tmpPath, destPath); err != nil {
			return 0, eris.Wrap(err, "cdse: install product")
		}
		zap.L().Info("cdse: product installed",
			zap.String("name", productName),
			zap.String("path", destPath),
			zap.Int64("bytes", n),
		)
		return n, nil
	}

	unpackDir, err := os.MkdirTemp(dir, ".cdse-unpack-*")
	if err != nil {
		return 0, eris.Wrap(err, "cdse: create unpack directory")
	}
	defer os.RemoveAll(unpackDir) //nolint:errcheck

	extracted, err := fetcher.ExtractZIPMatch(tmpPath, unpackDir, func(name string) bool {
		return strings.HasSuffix(name, ".nc")
	})
	if err != nil {
		return 0, eris.Wrapf(err, "cdse: unpack %s", productName)
	}
	if err := os.Rename(extracted, destPath); err != nil {
		return 0, eris.Wrap(err, "cdse: install product")
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, eris.Wrap(err, "cdse: stat installed product")
	}
	zap.L().Info("cdse: product installed",
		zap.String("name", productName),
		zap.String("path", destPath),
		zap.Int64("bytes", info.Size()),
	)
	return info.Size(), nil
}

// bodySnippet reads the front of a response body for error messages.
func bodySnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 500))
	return strings.TrimSpace(string(b))
}
