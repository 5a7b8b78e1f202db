package pipeline

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"cidrforge/internal/asncidr"
	"cidrforge/internal/config"
)

const countryASNCSV = `start_ip,end_ip,country,country_name,continent,continent_name,asn,as_name,as_domain
1.0.1.0,1.0.3.255,CN,China,AS,Asia,AS4134,Chinanet,chinatelecom.cn
36.0.0.0,36.0.0.255,CN,China,AS,Asia,AS4134,Chinanet,chinatelecom.cn
240e::,240e::ffff,CN,China,AS,Asia,AS4134,Chinanet,chinatelecom.cn
8.8.8.0,8.8.8.255,US,United States,NA,North America,AS15169,Google LLC,google.com
`

const asnCSV = `start_ip,end_ip,asn,name,domain
1.0.0.0,1.0.0.255,AS13335,Cloudflare Inc,cloudflare.com
1.0.4.0,1.0.5.255,AS13335,Cloudflare Inc,cloudflare.com
2606:4700::,2606:4700:ffff:ffff:ffff:ffff:ffff:ffff,AS13335,Cloudflare Inc,cloudflare.com
`

const anycastV4List = `# anycatch v4
1.0.2.0/24
8.8.8.0/24
192.0.2.0/24
`

const anycastV6List = `240e::/64
2620:fe::/48
`

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGitCommand(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

func newBareRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	runGitCommand(t, t.TempDir(), "init", "-q", "--bare", dir)
	return dir
}

func branchExists(t *testing.T, repo, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", branch)
	cmd.Dir = repo
	return cmd.Run() == nil
}

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write([]byte(data)); err != nil {
		t.Fatalf("compress fixture: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return buf.Bytes()
}

func newSourceServer(t *testing.T) *httptest.Server {
	t.Helper()

	countryGZ := gzipBytes(t, countryASNCSV)
	asnGZ := gzipBytes(t, asnCSV)

	mux := http.NewServeMux()
	mux.HandleFunc("/data/country_asn.csv.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(countryGZ)
	})
	mux.HandleFunc("/data/asn.csv.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(asnGZ)
	})
	mux.HandleFunc("/anycast/v4.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anycastV4List))
	})
	mux.HandleFunc("/anycast/v6.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anycastV6List))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testSettings(t *testing.T, serverURL, remote string) config.Settings {
	t.Helper()

	tmp := t.TempDir()
	cfg := config.Defaults()
	cfg.Datasets.Dir = filepath.Join(tmp, "datasets")
	cfg.Datasets.CountryASNURL = serverURL + "/data/country_asn.csv.gz"
	cfg.Datasets.ASNURL = serverURL + "/data/asn.csv.gz"
	cfg.Filter.SourcesV4 = []string{serverURL + "/anycast/v4.txt"}
	cfg.Filter.SourcesV6 = []string{serverURL + "/anycast/v6.txt"}
	cfg.Output.Dir = filepath.Join(tmp, "output")
	cfg.Release.RemoteURL = remote
	return cfg
}

func mustQuery(t *testing.T, raw string) asncidr.Query {
	t.Helper()
	query, err := asncidr.ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery(%q) returned error: %v", raw, err)
	}
	return query
}

func requireFileContent(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(data) != want {
		t.Fatalf("%s = %q, want %q", path, data, want)
	}
}

func TestRunPublishesGeneratedTree(t *testing.T) {
	requireGit(t)

	server := newSourceServer(t)
	remote := newBareRepo(t)
	cfg := testSettings(t, server.URL, remote)
	t.Setenv("IPINFO_TOKEN", "test-token")

	queries := []asncidr.Query{
		mustQuery(t, "13335 4"),
		mustQuery(t, "13335 6"),
		mustQuery(t, "4134 AS CN 4"),
	}

	if err := Run(context.Background(), cfg, queries, Options{}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	requireFileContent(t, filepath.Join(cfg.Output.Dir, "filtered_anycast", "anycast_ipv4_cn_filtered.txt"), "8.8.8.0/24\n192.0.2.0/24\n")
	requireFileContent(t, filepath.Join(cfg.Output.Dir, "filtered_anycast", "anycast_ipv6_cn_filtered.txt"), "2620:fe::/48\n")
	requireFileContent(t, filepath.Join(cfg.Output.Dir, "13335", "IPV4.cidr"), "1.0.0.0/24\n1.0.4.0/23\n")
	requireFileContent(t, filepath.Join(cfg.Output.Dir, "13335", "IPV6.cidr"), "2606:4700::/32\n")
	requireFileContent(t, filepath.Join(cfg.Output.Dir, "4134", "AS_CN_IPV4.cidr"), "1.0.1.0/24\n1.0.2.0/23\n36.0.0.0/24\n")

	stamp, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "version"))
	if err != nil {
		t.Fatalf("read version file: %v", err)
	}
	if !regexp.MustCompile(`^\d{12}\n$`).Match(stamp) {
		t.Fatalf("version file = %q, want YYYYMMDDHHMM stamp", stamp)
	}

	if got := runGitCommand(t, remote, "rev-list", "--count", "release"); got != "1" {
		t.Fatalf("release branch has %s commits, want 1", got)
	}
	if got := runGitCommand(t, remote, "show", "release:version"); got != strings.TrimSpace(string(stamp)) {
		t.Fatalf("published version = %q, want %q", got, strings.TrimSpace(string(stamp)))
	}
	if got := runGitCommand(t, remote, "show", "release:13335/IPV4.cidr"); got != "1.0.0.0/24\n1.0.4.0/23" {
		t.Fatalf("published cidr list = %q", got)
	}

	// A second cycle force pushes a fresh root commit, the history never grows.
	if err := Run(context.Background(), cfg, queries, Options{}); err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if got := runGitCommand(t, remote, "rev-list", "--count", "release"); got != "1" {
		t.Fatalf("release branch has %s commits after second run, want 1", got)
	}
}

func TestRunAbortsWhenFetchFails(t *testing.T) {
	requireGit(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	remote := newBareRepo(t)
	cfg := testSettings(t, server.URL, remote)
	t.Setenv("IPINFO_TOKEN", "test-token")

	err := Run(context.Background(), cfg, []asncidr.Query{mustQuery(t, "13335 4")}, Options{})
	if err == nil {
		t.Fatal("Run with failing dataset source returned nil error")
	}

	if _, statErr := os.Stat(filepath.Join(cfg.Output.Dir, "version")); !os.IsNotExist(statErr) {
		t.Fatalf("version file exists after failed run: %v", statErr)
	}
	if branchExists(t, remote, "release") {
		t.Fatal("release branch exists after failed run")
	}
}

func TestRunDryRunSkipsPublish(t *testing.T) {
	requireGit(t)

	server := newSourceServer(t)
	remote := newBareRepo(t)
	cfg := testSettings(t, server.URL, remote)
	t.Setenv("IPINFO_TOKEN", "test-token")

	queries := []asncidr.Query{mustQuery(t, "13335 4")}
	if err := Run(context.Background(), cfg, queries, Options{DryRun: true}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	requireFileContent(t, filepath.Join(cfg.Output.Dir, "13335", "IPV4.cidr"), "1.0.0.0/24\n1.0.4.0/23\n")

	if _, err := os.Stat(filepath.Join(cfg.Output.Dir, "version")); !os.IsNotExist(err) {
		t.Fatalf("version file exists after dry run: %v", err)
	}
	if branchExists(t, remote, "release") {
		t.Fatal("release branch exists after dry run")
	}
}

func TestRunFailsWithoutReleaseRemote(t *testing.T) {
	server := newSourceServer(t)
	cfg := testSettings(t, server.URL, "")
	t.Setenv("IPINFO_TOKEN", "test-token")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_REPOSITORY", "")

	err := Run(context.Background(), cfg, []asncidr.Query{mustQuery(t, "13335 4")}, Options{})
	if err == nil {
		t.Fatal("Run without remote configuration returned nil error")
	}

	if _, statErr := os.Stat(filepath.Join(cfg.Output.Dir, "version")); !os.IsNotExist(statErr) {
		t.Fatalf("version file exists after failed run: %v", statErr)
	}
}
