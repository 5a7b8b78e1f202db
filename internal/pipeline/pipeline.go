// Package pipeline runs one full generation cycle: fetch the ipinfo.io
// datasets, filter the anycast lists against the configured country, extract
// the per query CIDR files and publish the output tree as a single release
// commit.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"cidrforge/internal/anycast"
	"cidrforge/internal/asncidr"
	"cidrforge/internal/config"
	"cidrforge/internal/ipinfo"
	"cidrforge/internal/publish"
	"cidrforge/internal/support"
)

// Options tweaks a single run without changing the loaded settings.
type Options struct {
	// DryRun stops after generation: the output tree is written but neither
	// stamped nor pushed.
	DryRun bool
}

// Run executes one cycle. The steps run strictly in order and the first
// failure aborts the run, so a broken download can never publish a release.
func Run(ctx context.Context, cfg config.Settings, queries []asncidr.Query, opts Options) error {
	started := time.Now()

	if err := ipinfo.Download(ctx, cfg.Datasets, support.GetEnv("IPINFO_TOKEN", "")); err != nil {
		return fmt.Errorf("fetch datasets: %w", err)
	}

	filtered, err := anycast.Run(ctx, cfg.Filter, cfg.Datasets.Dir, cfg.Output.Dir)
	if err != nil {
		return fmt.Errorf("filter anycast prefixes: %w", err)
	}
	log.Info("Anycast prefixes filtered",
		"country", cfg.Filter.Country,
		"fetched", filtered.Fetched,
		"kept", filtered.Kept,
		"dropped", filtered.Dropped)

	extracted, err := asncidr.Run(ctx, queries, cfg.Datasets.Dir, cfg.Output.Dir, cfg.Extract.Aggregate)
	if err != nil {
		return fmt.Errorf("extract CIDR lists: %w", err)
	}
	log.Info("CIDR lists extracted",
		"queries", extracted.Queries,
		"rows", extracted.Rows,
		"prefixes", extracted.Prefixes)

	if opts.DryRun {
		log.Info("Dry run, skipping release", "output", cfg.Output.Dir)
		return nil
	}

	remote := cfg.Release.RemoteURL
	if remote == "" {
		remote, err = publish.RemoteURLFromEnv()
		if err != nil {
			return fmt.Errorf("resolve release remote: %w", err)
		}
	}

	publisher := &publish.Publisher{
		OutputDir:   cfg.Output.Dir,
		Branch:      cfg.Release.Branch,
		RemoteURL:   remote,
		AuthorName:  cfg.Release.AuthorName,
		AuthorEmail: cfg.Release.AuthorEmail,
	}

	version := publish.Version(time.Now())
	if err := publisher.Publish(ctx, version); err != nil {
		return fmt.Errorf("publish release: %w", err)
	}

	log.Info("Pipeline finished", "version", version, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}
