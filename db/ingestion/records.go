// Package ingestion loads normalized price records produced by the external
// collectors and validates them before they reach the engine.
package ingestion

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gpu-index/internal/errors"
)

// Record is one normalized per-provider price as delivered by a collector.
// Price is nil when the collector found nothing.
type Record struct {
	ProviderID        string   `json:"provider_id"`
	Category          string   `json:"category"`
	Price             *float64 `json:"price"`
	Currency          string   `json:"currency"`
	VariantNormalized *bool    `json:"variant_normalized"`
}

// Batch is a cycle's worth of records
type Batch struct {
	CycleID   string    `json:"cycle_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Records   []Record  `json:"records"`
}

// Format names
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// LoadFile reads a batch, picking the format from the extension when
// format is empty
func LoadFile(path, format string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Config("failed to read input file", err)
	}
	if format == "" {
		format = FormatJSON
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			format = FormatCSV
		}
	}
	switch format {
	case FormatJSON:
		return ParseJSON(data)
	case FormatCSV:
		return ParseCSV(bytes.NewReader(data))
	}
	return nil, errors.Schemaf("unsupported input format %q", format)
}

// ParseJSON accepts either a batch object or a bare array of records
func ParseJSON(data []byte) (*Batch, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, errors.Wrap(errors.TypeSchema, "invalid record array", err)
		}
		return &Batch{Records: records}, nil
	}

	var b Batch
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, errors.Wrap(errors.TypeSchema, "invalid record batch", err)
	}
	return &b, nil
}

var csvColumns = []string{"provider_id", "category", "price", "currency", "variant_normalized"}

// ParseCSV reads records with a header row naming the record fields. An
// empty or "NaN" price cell means no price.
func ParseCSV(r io.Reader) (*Batch, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(errors.TypeSchema, "missing csv header", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range csvColumns {
		if _, ok := cols[c]; !ok {
			return nil, errors.Schemaf("csv header missing column %q", c)
		}
	}

	b := &Batch{}
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(errors.TypeSchema, err, "csv line %d", line)
		}

		rec := Record{
			ProviderID: row[cols["provider_id"]],
			Category:   row[cols["category"]],
			Currency:   row[cols["currency"]],
		}
		if cell := strings.TrimSpace(row[cols["price"]]); cell != "" {
			p, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, errors.Schemaf("csv line %d: invalid price %q", line, cell)
			}
			rec.Price = &p
		}
		if cell := strings.TrimSpace(row[cols["variant_normalized"]]); cell != "" {
			v, err := strconv.ParseBool(cell)
			if err != nil {
				return nil, errors.Schemaf("csv line %d: invalid variant_normalized %q", line, cell)
			}
			rec.VariantNormalized = &v
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

// String summarizes the batch
func (b *Batch) String() string {
	return fmt.Sprintf("batch %q with %d records", b.CycleID, len(b.Records))
}
