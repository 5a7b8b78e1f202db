package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultPath is where the binary looks for its config file when no
	// -config flag is given.
	DefaultPath = "config.toml"

	// DefaultQueriesFile is the extraction query list used when neither the
	// config file nor the -queries flag names one.
	DefaultQueriesFile = "list"
)

//go:embed default_config.toml
var defaultConfig []byte

type Settings struct {
	Datasets DatasetsConfig `toml:"datasets"`
	Filter   FilterConfig   `toml:"filter"`
	Extract  ExtractConfig  `toml:"extract"`
	Output   OutputConfig   `toml:"output"`
	Release  ReleaseConfig  `toml:"release"`
	Logging  LoggingConfig  `toml:"logging"`
}

type DatasetsConfig struct {
	// Dir is where the decompressed CSV snapshots are installed.
	Dir           string `toml:"dir"`
	CountryASNURL string `toml:"country_asn_url"`
	ASNURL        string `toml:"asn_url"`
	// MaxDownloadMB caps the compressed size accepted per dataset.
	MaxDownloadMB int `toml:"max_download_mb"`
}

type FilterConfig struct {
	// Country is the ISO code whose registered ranges are filtered out of
	// the anycast lists.
	Country   string   `toml:"country"`
	SourcesV4 []string `toml:"sources_v4"`
	SourcesV6 []string `toml:"sources_v6"`
}

type ExtractConfig struct {
	QueriesFile string `toml:"queries_file"`
	// Aggregate merges adjacent blocks per output file instead of keeping
	// the per-row minimal cover.
	Aggregate bool `toml:"aggregate"`
}

type OutputConfig struct {
	Dir string `toml:"dir"`
}

type ReleaseConfig struct {
	Branch string `toml:"branch"`
	// RemoteURL overrides the GitHub remote built from CI environment
	// variables. Mainly useful for mirrors and local runs.
	RemoteURL   string `toml:"remote_url"`
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
}

type LoggingConfig struct {
	// File enables rotated file logging next to stderr when set.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Load reads the TOML settings file at path. When the file is missing and
// createIfMissing is set (the default path case), the embedded defaults are
// written to disk and used, so a fresh checkout documents itself. A missing
// explicitly-named file is an error.
func Load(path string, createIfMissing bool) (Settings, error) {
	var settings Settings

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return settings, fmt.Errorf("read config file: %w", err)
		}
		if !createIfMissing {
			return settings, fmt.Errorf("read config file: %w", err)
		}

		log.Warn("Config file not found, creating with default configuration", "path", path)
		if writeErr := os.WriteFile(path, defaultConfig, 0o644); writeErr != nil {
			log.Warn("Failed to write default config file", "path", path, "error", writeErr)
		}
		data = defaultConfig
	}

	if err := toml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("parse config file: %w", err)
	}

	settings.applyDefaults()

	if err := settings.validate(); err != nil {
		return settings, err
	}

	log.Debug("Configuration loaded", "path", path)
	return settings, nil
}

// Defaults returns the settings encoded in the embedded default config.
func Defaults() Settings {
	var settings Settings
	// The embedded file is validated by TestDefaultsParse; a decode error
	// here would mean a broken build.
	if err := toml.Unmarshal(defaultConfig, &settings); err != nil {
		log.Error("Embedded default config is invalid", "error", err)
	}
	settings.applyDefaults()
	return settings
}

func (s *Settings) applyDefaults() {
	if s.Datasets.Dir == "" {
		s.Datasets.Dir = "."
	}
	if s.Datasets.CountryASNURL == "" {
		s.Datasets.CountryASNURL = "https://ipinfo.io/data/free/country_asn.csv.gz"
	}
	if s.Datasets.ASNURL == "" {
		s.Datasets.ASNURL = "https://ipinfo.io/data/free/asn.csv.gz"
	}
	if s.Datasets.MaxDownloadMB <= 0 {
		s.Datasets.MaxDownloadMB = 512
	}

	if s.Filter.Country == "" {
		s.Filter.Country = "CN"
	}
	s.Filter.Country = strings.ToUpper(strings.TrimSpace(s.Filter.Country))
	if len(s.Filter.SourcesV4) == 0 {
		s.Filter.SourcesV4 = []string{"https://raw.githubusercontent.com/bgptools/anycast-prefixes/master/anycatch-v4-prefixes.txt"}
	}
	if len(s.Filter.SourcesV6) == 0 {
		s.Filter.SourcesV6 = []string{"https://raw.githubusercontent.com/bgptools/anycast-prefixes/master/anycatch-v6-prefixes.txt"}
	}

	if s.Extract.QueriesFile == "" {
		s.Extract.QueriesFile = DefaultQueriesFile
	}

	if s.Output.Dir == "" {
		s.Output.Dir = "output"
	}

	if s.Release.Branch == "" {
		s.Release.Branch = "release"
	}
	if s.Release.AuthorName == "" {
		s.Release.AuthorName = "github-actions"
	}
	if s.Release.AuthorEmail == "" {
		s.Release.AuthorEmail = "github-actions@github.com"
	}

	if s.Logging.MaxSizeMB <= 0 {
		s.Logging.MaxSizeMB = 10
	}
	if s.Logging.MaxBackups <= 0 {
		s.Logging.MaxBackups = 3
	}
	if s.Logging.MaxAgeDays <= 0 {
		s.Logging.MaxAgeDays = 28
	}
}

func (s *Settings) validate() error {
	if len(s.Filter.Country) != 2 {
		return fmt.Errorf("config: filter country must be a two-letter ISO code, got %q", s.Filter.Country)
	}
	return nil
}
