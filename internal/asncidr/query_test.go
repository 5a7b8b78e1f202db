package asncidr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseQueryPlain(t *testing.T) {
	query, err := ParseQuery("13335 4")
	if err != nil {
		t.Fatalf("ParseQuery returned error: %v", err)
	}

	if query.ASN != "13335" {
		t.Fatalf("ASN = %q, want 13335", query.ASN)
	}
	if query.IPVersion != 4 {
		t.Fatalf("IPVersion = %d, want 4", query.IPVersion)
	}
	if query.Area {
		t.Fatal("plain query parsed as area query")
	}
	if got := query.OutputFile(); got != "IPV4.cidr" {
		t.Fatalf("OutputFile = %q, want IPV4.cidr", got)
	}
}

func TestParseQueryStripsASNPrefix(t *testing.T) {
	query, err := ParseQuery("AS13335 4")
	if err != nil {
		t.Fatalf("ParseQuery returned error: %v", err)
	}

	if query.ASN != "13335" {
		t.Fatalf("ASN = %q, want 13335", query.ASN)
	}
	if !query.matchASN("AS13335") {
		t.Fatal("prefixed query did not match its dataset row")
	}
}

func TestParseQueryArea(t *testing.T) {
	query, err := ParseQuery("4134 AS CN 6")
	if err != nil {
		t.Fatalf("ParseQuery returned error: %v", err)
	}

	if !query.Area {
		t.Fatal("area query not flagged as area")
	}
	if query.Continent != "AS" || query.Country != "CN" {
		t.Fatalf("area = %s/%s, want AS/CN", query.Continent, query.Country)
	}
	if got := query.OutputFile(); got != "AS_CN_IPV6.cidr" {
		t.Fatalf("OutputFile = %q, want AS_CN_IPV6.cidr", got)
	}
}

func TestParseQueryWildcards(t *testing.T) {
	query, err := ParseQuery("ALL AS CN 4")
	if err != nil {
		t.Fatalf("ParseQuery returned error: %v", err)
	}

	if query.ASN != Wildcard {
		t.Fatalf("ASN = %q, want %s", query.ASN, Wildcard)
	}
	if !query.matchASN("AS4134") || !query.matchASN("") {
		t.Fatal("wildcard ASN did not match arbitrary rows")
	}
	if !query.matchArea("AS", "CN") {
		t.Fatal("matchArea rejected an exact match")
	}
	if query.matchArea("AS", "HK") {
		t.Fatal("matchArea accepted the wrong country")
	}
}

func TestParseQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "three fields", raw: "13335 AS 4"},
		{name: "bad ip version", raw: "13335 5"},
		{name: "non-numeric asn", raw: "cloudflare 4"},
		{name: "bare prefix", raw: "AS 4"},
		{name: "wildcard in plain form", raw: "ALL 4"},
		{name: "empty", raw: "   "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseQuery(tc.raw); err == nil {
				t.Fatalf("ParseQuery(%q) returned nil error", tc.raw)
			}
		})
	}
}

func TestLoadQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list")
	content := `# extraction queries
13335 4

13335 6
4134 AS CN 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}

	queries, err := LoadQueries(path)
	if err != nil {
		t.Fatalf("LoadQueries returned error: %v", err)
	}

	if len(queries) != 3 {
		t.Fatalf("LoadQueries returned %d queries, want 3", len(queries))
	}
	if !queries[2].Area {
		t.Fatal("fourth line did not parse as an area query")
	}
}

func TestLoadQueriesReportsLineNumber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list")
	content := "13335 4\n# fine so far\nbroken line here also\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}

	_, err := LoadQueries(path)
	if err == nil {
		t.Fatal("LoadQueries accepted a malformed line")
	}
	if !strings.Contains(err.Error(), ":3:") {
		t.Fatalf("error %q does not name line 3", err)
	}
}

func TestLoadQueriesMissingFile(t *testing.T) {
	if _, err := LoadQueries(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("LoadQueries with missing file returned nil error")
	}
}
