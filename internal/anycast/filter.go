// Package anycast derives the country-filtered anycast prefix lists: it
// fetches published anycast prefixes and keeps those that do not overlap the
// configured country's registered ranges.
package anycast

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"cidrforge/internal/config"
	"cidrforge/internal/dataset"
	"cidrforge/internal/iprange"
)

const (
	maxResponseBytes = 32 << 20 // safety cap per source

	// OutputDirName is the subdirectory of the output tree the filtered
	// lists are written to.
	OutputDirName = "filtered_anycast"
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// Outcome summarizes one filter run for logging.
type Outcome struct {
	RangesV4 int
	RangesV6 int
	Fetched  int
	Kept     int
	Dropped  int
}

// Run loads the configured country's ranges from the country_asn dataset,
// fetches every anycast source, and writes the non-overlapping prefixes to
// the per-family output files.
func Run(ctx context.Context, cfg config.FilterConfig, datasetDir, outputDir string) (*Outcome, error) {
	index, err := loadCountryRanges(filepath.Join(datasetDir, dataset.CountryASNFileName), cfg.Country)
	if err != nil {
		return nil, err
	}
	if index.Empty() {
		return nil, fmt.Errorf("anycast: no %s ranges found in %s", cfg.Country, dataset.CountryASNFileName)
	}

	v4Prefixes, err := fetchSources(ctx, cfg.SourcesV4)
	if err != nil {
		return nil, err
	}
	v6Prefixes, err := fetchSources(ctx, cfg.SourcesV6)
	if err != nil {
		return nil, err
	}

	if len(v4Prefixes)+len(v6Prefixes) == 0 {
		return nil, errors.New("anycast: no prefixes fetched from any source")
	}

	destDir := filepath.Join(outputDir, OutputDirName)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	outcome := &Outcome{
		RangesV4: index.SizeV4(),
		RangesV6: index.SizeV6(),
		Fetched:  len(v4Prefixes) + len(v6Prefixes),
	}

	cc := strings.ToLower(cfg.Country)
	targets := []struct {
		prefixes []netip.Prefix
		filename string
	}{
		{v4Prefixes, fmt.Sprintf("anycast_ipv4_%s_filtered.txt", cc)},
		{v6Prefixes, fmt.Sprintf("anycast_ipv6_%s_filtered.txt", cc)},
	}

	for _, target := range targets {
		kept := filterPrefixes(target.prefixes, index)
		if err := writePrefixFile(filepath.Join(destDir, target.filename), kept); err != nil {
			return nil, err
		}
		outcome.Kept += len(kept)
		outcome.Dropped += len(target.prefixes) - len(kept)
	}

	return outcome, nil
}

func loadCountryRanges(path, country string) (*iprange.Index, error) {
	var builder iprange.IndexBuilder
	loaded, skipped := 0, 0

	err := dataset.ForEachCountryASN(path, func(row dataset.CountryASNRow) error {
		if row.Country != country {
			return nil
		}
		from, err := netip.ParseAddr(row.StartIP)
		if err != nil {
			skipped++
			return nil
		}
		to, err := netip.ParseAddr(row.EndIP)
		if err != nil {
			skipped++
			return nil
		}
		if err := builder.AddRange(from, to); err != nil {
			skipped++
			return nil
		}
		loaded++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s ranges: %w", country, err)
	}

	index, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s range index: %w", country, err)
	}

	if skipped > 0 {
		log.Warn("Skipped malformed country rows", "country", country, "count", skipped)
	}
	log.Debug("Country ranges loaded", "country", country, "rows", loaded, "v4", index.SizeV4(), "v6", index.SizeV6())
	return index, nil
}

// fetchSources downloads every source concurrently. A failed source is
// logged and contributes nothing, matching the tolerance of the original
// lists; cancellation still aborts the run. Results keep source order so the
// output files are deterministic.
func fetchSources(ctx context.Context, sources []string) ([]netip.Prefix, error) {
	results := make([][]netip.Prefix, len(sources))

	group, ctx := errgroup.WithContext(ctx)
	for i, source := range sources {
		i, source := i, source
		group.Go(func() error {
			prefixes, err := fetchPrefixList(ctx, source)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.Warn("Anycast source fetch failed", "source", source, "error", err)
				return nil
			}
			results[i] = prefixes
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var all []netip.Prefix
	for _, prefixes := range results {
		all = append(all, prefixes...)
	}
	return all, nil
}

func fetchPrefixList(ctx context.Context, source string) ([]netip.Prefix, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return parsePrefixes(content, source), nil
}

func parsePrefixes(payload []byte, source string) []netip.Prefix {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	var prefixes []netip.Prefix
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefix, err := netip.ParsePrefix(line)
		if err != nil {
			log.Warn("Skipping invalid prefix", "source", source, "line", line)
			continue
		}
		prefixes = append(prefixes, prefix.Masked())
	}

	if err := scanner.Err(); err != nil {
		log.Warn("Prefix list scanner warning", "source", source, "error", err)
	}

	return prefixes
}

func filterPrefixes(prefixes []netip.Prefix, index *iprange.Index) []netip.Prefix {
	kept := make([]netip.Prefix, 0, len(prefixes))
	for _, prefix := range prefixes {
		if index.OverlapsPrefix(prefix) {
			continue
		}
		kept = append(kept, prefix)
	}
	return kept
}

func writePrefixFile(path string, prefixes []netip.Prefix) error {
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
