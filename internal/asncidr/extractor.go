// Package asncidr extracts the CIDR blocks owned by autonomous systems from
// the ipinfo.io datasets, driven by a plain-text query list.
package asncidr

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"cidrforge/internal/dataset"
	"cidrforge/internal/iprange"
)

// Outcome summarizes one extraction run for logging.
type Outcome struct {
	Queries  int
	Rows     int
	Prefixes int
}

// Run executes every query in order against the datasets in datasetDir and
// writes one .cidr file per query under outputDir/<asn>/. With aggregate set
// the matched ranges are merged into a minimal sorted prefix set instead of
// keeping the per-row cover.
func Run(ctx context.Context, queries []Query, datasetDir, outputDir string, aggregate bool) (*Outcome, error) {
	outcome := &Outcome{Queries: len(queries)}

	for _, query := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		started := time.Now()
		rows, prefixes, err := runQuery(query, datasetDir, outputDir, aggregate)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", query, err)
		}

		outcome.Rows += rows
		outcome.Prefixes += prefixes
		log.Debug("Query extracted", "query", query.String(), "rows", rows, "prefixes", prefixes, "elapsed", time.Since(started).Round(time.Millisecond))
	}

	return outcome, nil
}

func runQuery(query Query, datasetDir, outputDir string, aggregate bool) (int, int, error) {
	rows := 0
	skipped := 0
	var prefixes []netip.Prefix

	collect := func(startIP, endIP string) {
		covered, ok := rangeCover(startIP, endIP, query.IPVersion)
		if !ok {
			skipped++
			return
		}
		if covered == nil {
			return // other address family
		}
		rows++
		prefixes = append(prefixes, covered...)
	}

	var err error
	if query.Area {
		err = dataset.ForEachCountryASN(filepath.Join(datasetDir, dataset.CountryASNFileName), func(row dataset.CountryASNRow) error {
			if !query.matchASN(row.ASN) || !query.matchArea(row.Continent, row.Country) {
				return nil
			}
			collect(row.StartIP, row.EndIP)
			return nil
		})
	} else {
		err = dataset.ForEachASN(filepath.Join(datasetDir, dataset.ASNFileName), func(row dataset.ASNRow) error {
			if !query.matchASN(row.ASN) {
				return nil
			}
			collect(row.StartIP, row.EndIP)
			return nil
		})
	}
	if err != nil {
		return 0, 0, err
	}

	if skipped > 0 {
		log.Warn("Skipped malformed dataset rows", "query", query.String(), "count", skipped)
	}

	if aggregate && len(prefixes) > 0 {
		merged, err := iprange.Merge(prefixes)
		if err != nil {
			return 0, 0, err
		}
		prefixes = merged
	}

	destDir := filepath.Join(outputDir, query.ASN)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("create output dir: %w", err)
	}
	if err := writeCIDRFile(filepath.Join(destDir, query.OutputFile()), prefixes); err != nil {
		return 0, 0, err
	}

	return rows, len(prefixes), nil
}

// rangeCover converts one dataset row range into its minimal CIDR cover.
// It returns (nil, true) for rows of the other address family and
// (nil, false) for rows that cannot be parsed.
func rangeCover(startIP, endIP string, ipVersion int) ([]netip.Prefix, bool) {
	from, err := netip.ParseAddr(startIP)
	if err != nil {
		return nil, false
	}
	version := 6
	if from.Is4() {
		version = 4
	}
	if version != ipVersion {
		return nil, true
	}

	to, err := netip.ParseAddr(endIP)
	if err != nil {
		return nil, false
	}

	prefixes, err := iprange.Prefixes(from, to)
	if err != nil {
		return nil, false
	}
	return prefixes, true
}

func writeCIDRFile(path string, prefixes []netip.Prefix) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	writer := bufio.NewWriter(file)
	for _, prefix := range prefixes {
		if _, err := writer.WriteString(prefix.String() + "\n"); err != nil {
			file.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
