// Package source parses upstream extracts into measurements: satellite
// pixel CSVs, air quality JSON, and station inventories.
package source

import (
	"strings"
	"time"

	"github.com/plumesight/aerofuse/internal/measure"
)

// columnIndex finds the first header matching any of the given names,
// case-insensitively.
func columnIndex(header []string, names ...string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, name := range names {
			if h == name {
				return i
			}
		}
	}
	return -1
}

// valueColumn finds the header carrying values for a pollutant. Extracts
// name the column after the species, sometimes with a suffix and sometimes
// with the long name: "no2", "ch4_mixing_ratio",
// "nitrogendioxide_tropospheric_column" all resolve.
func valueColumn(header []string, param measure.Parameter) int {
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if idx := strings.IndexByte(name, '_'); idx > 0 {
			name = name[:idx]
		}
		if p, err := measure.ParseParameter(name); err == nil && p == param {
			return i
		}
	}
	return -1
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp tries the layouts upstream extracts actually use. Layouts
// without a zone are taken as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
