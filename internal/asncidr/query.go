package asncidr

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wildcard matches any value in an area query's asn, continent, or country
// position.
const Wildcard = "ALL"

// Query selects the blocks to extract. The plain form (Area false) pulls an
// ASN's ranges from asn.csv; the area form restricts by continent/country
// from country_asn.csv and allows ALL wildcards.
type Query struct {
	ASN       string
	Continent string
	Country   string
	IPVersion int
	Area      bool
}

// ParseQuery parses a single query: "<asn> <ipver>" or
// "<asn> <continent> <country> <ipver>".
func ParseQuery(raw string) (Query, error) {
	fields := strings.Fields(raw)

	switch len(fields) {
	case 2:
		asn, err := parseASN(fields[0], false)
		if err != nil {
			return Query{}, err
		}
		ipVersion, err := parseIPVersion(fields[1])
		if err != nil {
			return Query{}, err
		}
		return Query{ASN: asn, IPVersion: ipVersion}, nil
	case 4:
		asn, err := parseASN(fields[0], true)
		if err != nil {
			return Query{}, err
		}
		ipVersion, err := parseIPVersion(fields[3])
		if err != nil {
			return Query{}, err
		}
		return Query{
			ASN:       asn,
			Continent: fields[1],
			Country:   fields[2],
			IPVersion: ipVersion,
			Area:      true,
		}, nil
	default:
		return Query{}, fmt.Errorf("query must have 2 or 4 fields, got %d", len(fields))
	}
}

// LoadQueries reads a query list file: one query per line, blank lines and
// lines starting with # ignored. Parse errors name the offending line.
func LoadQueries(path string) ([]Query, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open query list: %w", err)
	}
	defer file.Close()

	var queries []Query
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		query, err := ParseQuery(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNum, err)
		}
		queries = append(queries, query)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read query list: %w", err)
	}

	return queries, nil
}

// OutputFile returns the file name the query's blocks are written to,
// relative to the query's output directory.
func (q Query) OutputFile() string {
	if q.Area {
		return fmt.Sprintf("%s_%s_IPV%d.cidr", q.Continent, q.Country, q.IPVersion)
	}
	return fmt.Sprintf("IPV%d.cidr", q.IPVersion)
}

// String renders the query in list-file form.
func (q Query) String() string {
	if q.Area {
		return fmt.Sprintf("%s %s %s %d", q.ASN, q.Continent, q.Country, q.IPVersion)
	}
	return fmt.Sprintf("%s %d", q.ASN, q.IPVersion)
}

// matchASN reports whether a dataset asn column value (with its "AS" prefix)
// matches the query.
func (q Query) matchASN(datasetASN string) bool {
	if q.Area && q.ASN == Wildcard {
		return true
	}
	return datasetASN == "AS"+q.ASN
}

func (q Query) matchArea(continent, country string) bool {
	if q.Continent != Wildcard && continent != q.Continent {
		return false
	}
	if q.Country != Wildcard && country != q.Country {
		return false
	}
	return true
}

// parseASN normalizes an ASN token to its bare number. The dataset's "AS"
// prefix is accepted and stripped, so AS13335 and 13335 mean the same query.
func parseASN(token string, allowWildcard bool) (string, error) {
	if token == Wildcard {
		if !allowWildcard {
			return "", fmt.Errorf("ASN wildcard %s is only valid in area queries", Wildcard)
		}
		return token, nil
	}

	number := token
	if len(token) > 2 && strings.EqualFold(token[:2], "AS") {
		number = token[2:]
	}
	if _, err := strconv.ParseUint(number, 10, 32); err != nil {
		return "", fmt.Errorf("invalid ASN %q", token)
	}
	return number, nil
}

func parseIPVersion(token string) (int, error) {
	switch token {
	case "4":
		return 4, nil
	case "6":
		return 6, nil
	default:
		return 0, fmt.Errorf("invalid IP version %q, must be 4 or 6", token)
	}
}
