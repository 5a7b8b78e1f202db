// Package dataset reads the ipinfo.io CSV snapshots the pipeline works from.
// Both files are large enough that rows are streamed to a callback instead of
// being loaded whole.
package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	CountryASNFileName = "country_asn.csv"
	ASNFileName        = "asn.csv"
)

// ErrStop can be returned by a row callback to end the scan early without
// reporting an error.
var ErrStop = errors.New("dataset: stop iteration")

// CountryASNRow is one range row of country_asn.csv. The asn column keeps its
// "AS" prefix and may be empty for unrouted space.
type CountryASNRow struct {
	StartIP       string
	EndIP         string
	Country       string
	CountryName   string
	Continent     string
	ContinentName string
	ASN           string
	ASName        string
	ASDomain      string
}

// ASNRow is one range row of asn.csv. The asn column keeps its "AS" prefix.
type ASNRow struct {
	StartIP string
	EndIP   string
	ASN     string
	Name    string
	Domain  string
}

var (
	countryASNHeader = []string{"start_ip", "end_ip", "country", "country_name", "continent", "continent_name", "asn", "as_name", "as_domain"}
	asnHeader        = []string{"start_ip", "end_ip", "asn", "name", "domain"}
)

// ForEachCountryASN streams country_asn.csv rows from path into fn. The scan
// stops at the first error fn returns; ErrStop ends it cleanly.
func ForEachCountryASN(path string, fn func(row CountryASNRow) error) error {
	return scanCSV(path, countryASNHeader, func(record []string) error {
		return fn(CountryASNRow{
			StartIP:       record[0],
			EndIP:         record[1],
			Country:       record[2],
			CountryName:   record[3],
			Continent:     record[4],
			ContinentName: record[5],
			ASN:           record[6],
			ASName:        record[7],
			ASDomain:      record[8],
		})
	})
}

// ForEachASN streams asn.csv rows from path into fn. The scan stops at the
// first error fn returns; ErrStop ends it cleanly.
func ForEachASN(path string, fn func(row ASNRow) error) error {
	return scanCSV(path, asnHeader, func(record []string) error {
		return fn(ASNRow{
			StartIP: record[0],
			EndIP:   record[1],
			ASN:     record[2],
			Name:    record[3],
			Domain:  record[4],
		})
	})
}

func scanCSV(path string, header []string, fn func(record []string) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReaderSize(file, 1<<20))
	reader.FieldsPerRecord = len(header)
	reader.ReuseRecord = true

	first, err := reader.Read()
	if err != nil {
		return fmt.Errorf("%s: read header: %w", path, err)
	}
	if err := checkHeader(first, header); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: read row: %w", path, err)
		}
		if err := fn(record); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

func checkHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("unexpected header width %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("unexpected header column %q, want %q", got[i], want[i])
		}
	}
	return nil
}
