package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plumesight/aerofuse/internal/blobcache"
	"github.com/plumesight/aerofuse/internal/fetcher"
	"github.com/plumesight/aerofuse/internal/measure"
	"github.com/plumesight/aerofuse/internal/region"
	"github.com/plumesight/aerofuse/pkg/cdse"
	"github.com/plumesight/aerofuse/pkg/openaq"
)

var (
	ingestSatelliteCSV string
	ingestGroundJSON   string
	ingestOnly         string
	ingestForce        bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch the latest raw satellite and ground files into the blob cache",
	Long: `Fetch raw measurement files into the local blob cache.

The satellite leg searches the Copernicus Data Space for the newest product
intersecting the study region and downloads it, or caches a pre-converted
CSV extract given via --satellite-csv or satellite.csv_path. The ground leg
harvests OpenAQ sensors inside the region's bounding box, or caches a
snapshot given via --ground-json. Fresh cache entries are skipped unless
--force is set.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "ingest"))

		switch ingestOnly {
		case "", "satellite", "ground":
		default:
			return eris.Errorf("--only must be satellite or ground, got %q", ingestOnly)
		}

		cache, err := initCache()
		if err != nil {
			return err
		}
		reg, err := initRegion()
		if err != nil {
			return err
		}

		if ingestOnly != "ground" {
			if err := ingestSatellite(ctx, log, cache, reg); err != nil {
				return err
			}
		}
		if ingestOnly != "satellite" {
			if err := ingestGround(ctx, log, cache, reg); err != nil {
				return err
			}
		}

		fmt.Println("Ingest complete")
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSatelliteCSV, "satellite-csv", "", "path or URL of a pre-converted satellite CSV extract")
	ingestCmd.Flags().StringVar(&ingestGroundJSON, "ground-json", "", "path or URL of an OpenAQ-shaped JSON snapshot")
	ingestCmd.Flags().StringVar(&ingestOnly, "only", "", "restrict to one leg: satellite or ground")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "refetch even when the cached copy is fresh")
	rootCmd.AddCommand(ingestCmd)
}

func ingestSatellite(ctx context.Context, log *zap.Logger, cache *blobcache.Cache, reg *region.Region) error {
	src := ingestSatelliteCSV
	if src == "" {
		src = cfg.Satellite.CSVPath
	}
	if src != "" {
		n, err := fetchInput(ctx, cache, satelliteCSVKey, src)
		if err != nil {
			return eris.Wrap(err, "ingest satellite")
		}
		log.Info("satellite extract cached", zap.String("src", src), zap.Int64("bytes", n))
		fmt.Printf("Cached satellite extract (%d bytes)\n", n)
		return nil
	}

	if cfg.Satellite.Username == "" || cfg.Satellite.Password == "" {
		return eris.New("satellite ingest needs copernicus credentials (AEROFUSE_SATELLITE_USERNAME/_PASSWORD) or satellite.csv_path")
	}

	if !ingestForce && cache.Fresh(satelliteNetCDFKey) {
		fmt.Println("Satellite product is fresh, skipping (use --force to refetch).")
		return nil
	}

	opts := []cdse.Option{
		cdse.WithCollection(cfg.Satellite.Collection),
		cdse.WithProductLevel(cfg.Satellite.ProductLevel),
	}
	if cfg.Satellite.BaseURL != "" {
		opts = append(opts, cdse.WithBaseURL(cfg.Satellite.BaseURL))
	}
	if cfg.Satellite.TokenURL != "" {
		opts = append(opts, cdse.WithTokenURL(cfg.Satellite.TokenURL))
	}
	client := cdse.NewClient(cfg.Satellite.Username, cfg.Satellite.Password, opts...)

	product, err := client.SearchLatest(ctx, reg.WKT())
	if err != nil {
		return eris.Wrap(err, "ingest satellite")
	}

	dest, err := cache.Path(satelliteNetCDFKey)
	if err != nil {
		return err
	}
	n, err := client.DownloadNetCDF(ctx, product, dest)
	if err != nil {
		if errors.Is(err, cdse.ErrProductOffline) {
			return eris.Wrap(err, "ingest satellite: product is being restored from the archive, retry later")
		}
		return eris.Wrap(err, "ingest satellite")
	}

	fmt.Printf("Fetched %s (%d bytes)\n", product.Name, n)
	return nil
}

func ingestGround(ctx context.Context, log *zap.Logger, cache *blobcache.Cache, reg *region.Region) error {
	if src := ingestGroundJSON; src != "" {
		n, err := fetchInput(ctx, cache, groundJSONKey, src)
		if err != nil {
			return eris.Wrap(err, "ingest ground")
		}
		log.Info("ground snapshot cached", zap.String("src", src), zap.Int64("bytes", n))
		fmt.Printf("Cached ground snapshot (%d bytes)\n", n)
		return nil
	}

	if cfg.Ground.Key == "" {
		return eris.New("ground ingest needs an openaq api key (AEROFUSE_GROUND_KEY) or --ground-json")
	}

	if !ingestForce && cache.Fresh(groundJSONKey) {
		fmt.Println("Ground snapshot is fresh, skipping (use --force to refetch).")
		return nil
	}

	opts := []openaq.Option{openaq.WithRateLimit(cfg.Ground.RatePerMinute)}
	if cfg.Ground.BaseURL != "" {
		opts = append(opts, openaq.WithBaseURL(cfg.Ground.BaseURL))
	}
	client := openaq.NewClient(cfg.Ground.Key, opts...)

	lookback := cfg.Ground.LookbackDays
	if lookback <= 0 {
		lookback = 7
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -lookback)

	h, err := client.HarvestRegion(ctx, reg.BBoxString(), measure.Parameters(), from, to)
	if err != nil {
		return eris.Wrap(err, "ingest ground")
	}

	data, err := json.Marshal(h.Envelope)
	if err != nil {
		return eris.Wrap(err, "ingest ground: encode snapshot")
	}
	if err := cache.PutBytes(groundJSONKey, data); err != nil {
		return err
	}

	log.Info("ground snapshot cached",
		zap.Int("readings", len(h.Results)),
		zap.Int("sensors", h.Sensors),
		zap.Int("skipped", h.Skipped),
	)
	fmt.Printf("Fetched %d ground readings from %d sensors (%d skipped)\n", len(h.Results), h.Sensors, h.Skipped)
	return nil
}

// fetchInput resolves a local path, http(s) URL, or ftp URL into the cache
// under key. Archives are unpacked to their first member matching the key's
// extension.
func fetchInput(ctx context.Context, cache *blobcache.Cache, key, src string) (int64, error) {
	rc, err := openInput(ctx, src)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck

	if strings.HasSuffix(src, ".zip") {
		return installZipped(cache, key, rc)
	}
	return cache.Put(key, rc)
}

func openInput(ctx context.Context, src string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}).Download(ctx, src)
	case strings.HasPrefix(src, "ftp://"):
		return fetcher.NewFTPFetcher(fetcher.FTPOptions{}).Download(ctx, src)
	default:
		f, err := os.Open(src)
		if err != nil {
			return nil, eris.Wrapf(err, "open input %s", src)
		}
		return f, nil
	}
}

// installZipped spools the archive to disk, then caches its first member
// matching the key's extension.
func installZipped(cache *blobcache.Cache, key string, r io.Reader) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "aerofuse-ingest-*")
	if err != nil {
		return 0, eris.Wrap(err, "spool archive")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	zipPath := filepath.Join(tmpDir, "input.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		return 0, eris.Wrap(err, "spool archive")
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, eris.Wrap(err, "spool archive")
	}

	ext := filepath.Ext(key)
	extracted, err := fetcher.ExtractZIPMatch(zipPath, tmpDir, func(name string) bool {
		return strings.HasSuffix(name, ext)
	})
	if err != nil {
		return 0, err
	}

	data, err := os.Open(extracted)
	if err != nil {
		return 0, eris.Wrap(err, "open extracted member")
	}
	defer data.Close() //nolint:errcheck
	return cache.Put(key, data)
}
