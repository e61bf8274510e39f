// Package doa polls a KrakenSDR-style direction-finding receiver for its
// per-degree direction-of-arrival report and picks the strongest bearing.
package doa

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/bearing.relay/internal/httputil"
	"github.com/banshee-data/bearing.relay/internal/sensor"
)

const (
	// Bins is the number of one-degree bearings in a sample.
	Bins = 360
	// HeaderColumns is the number of metadata columns (timestamp, max DoA,
	// confidence, RSSI, frequency, array layout, ...) that precede the bins
	// in each report row.
	HeaderColumns = 17
	// ReportPath is appended to the receiver endpoint to fetch a report.
	ReportPath = "/DOA_value.html"
)

// Sample holds one signal-strength value per compass degree; index i is
// bearing i.
type Sample struct {
	Values [Bins]float64
}

// Bearing returns the index of the strongest bin, choosing the lowest index
// on ties. It reports false when the sample carries no peak at all: every
// bin holds the same value (an unfilled buffer is all zero) or the values are
// all NaN.
func (s Sample) Bearing() (int, bool) {
	vals := s.Values[:]
	idx := floats.MaxIdx(vals)
	max := vals[idx]
	if math.IsNaN(max) {
		return 0, false
	}
	if floats.Min(vals) == max {
		return 0, false
	}
	return idx, true
}

// Source yields DoA samples. *Client is the production implementation.
type Source interface {
	Poll(ctx context.Context) (Sample, error)
}

// Client fetches reports from a receiver's web interface.
type Client struct {
	// Endpoint is the receiver base URL, e.g. http://192.168.1.106:8081.
	Endpoint string
	HTTP     httputil.HTTPClient
}

// NewClient returns a Client for endpoint using a standard HTTP client.
func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     httputil.NewStandardClient(nil),
	}
}

// Poll fetches and parses one report, using a standard client when HTTP is
// nil. Transport failures and non-2xx replies
// wrap sensor.ErrTransport; unparseable or short reports wrap
// sensor.ErrFormat and return whatever values were parsed.
func (c *Client) Poll(ctx context.Context) (Sample, error) {
	url := c.Endpoint + ReportPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("build request for %s: %v: %w", url, err, sensor.ErrTransport)
	}

	hc := c.HTTP
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("fetch %s: %w: %w", url, err, sensor.ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Sample{}, fmt.Errorf("fetch %s: unexpected status %d: %w", url, resp.StatusCode, sensor.ErrTransport)
	}

	return ParseReport(resp.Body)
}

// ParseReport reads a headerless comma-separated report. Columns before
// HeaderColumns are ignored and the following Bins columns fill the sample
// from bearing 0. Every row overwrites the sample from index 0, so only the
// last row is kept; fields past the last bin are ignored. NaN and infinite
// values are rejected.
func ParseReport(r io.Reader) (Sample, error) {
	var s Sample

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	rows := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return s, fmt.Errorf("report line %d: %v: %w", perr.Line, perr.Err, sensor.ErrFormat)
			}
			return s, fmt.Errorf("read report: %w: %w", err, sensor.ErrTransport)
		}
		rows++

		n := 0
		for col := HeaderColumns; col < len(record) && n < Bins; col++ {
			field := stripSpace(record[col])
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return s, fmt.Errorf("report row %d column %d: invalid value %q: %w", rows, col, record[col], sensor.ErrFormat)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return s, fmt.Errorf("report row %d column %d: non-finite value %q: %w", rows, col, record[col], sensor.ErrFormat)
			}
			s.Values[n] = v
			n++
		}
		if n < Bins {
			return s, fmt.Errorf("report row %d: %d of %d bearing values present: %w", rows, n, Bins, sensor.ErrFormat)
		}
	}

	if rows == 0 {
		return s, fmt.Errorf("empty report: %w", sensor.ErrFormat)
	}
	return s, nil
}

func stripSpace(field string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, field)
}
