// Package ingest turns raw file bytes into canonical transaction rows by
// executing a parse plan. Nothing here knows or guesses where a file came
// from; every decision is read off the plan.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opsledger/intake-engine/pkg/models"
)

// Row is one source record projected onto canonical fields, values untouched.
type Row struct {
	Index  int               // record index in the file, 0-based
	Values map[string]string // canonical field -> raw cell
}

// ParseRows executes the structural part of a plan: delimiter, skip rows,
// header resolution, column projection. Value cleaning happens later so a
// single bad cell rejects one row, not the file.
//
// Row indexes are physical line numbers (0-based), tracked via FieldPos so
// they stay aligned with the sample the analyzer saw even when the file
// contains blank lines.
func ParseRows(r io.Reader, plan *models.ParsePlan) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.Comma = DelimiterRune(plan.Delimiter)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	type record struct {
		line   int
		fields []string
	}
	var records []record
	var header []string
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read records: %w", err)
		}
		line, _ := cr.FieldPos(0)
		idx := line - 1 // FieldPos lines are 1-based
		if idx == plan.HeaderRowIndex {
			header = fields
			continue
		}
		records = append(records, record{line: idx, fields: fields})
	}
	if header == nil {
		return nil, fmt.Errorf("no header at row %d", plan.HeaderRowIndex)
	}

	positions, err := resolveColumns(header, plan.ColumnMapping)
	if err != nil {
		return nil, err
	}

	skip := make(map[int]struct{}, len(plan.SkipRows))
	for _, idx := range plan.SkipRows {
		skip[idx] = struct{}{}
	}

	var rows []Row
	for _, rec := range records {
		if rec.line < plan.HeaderRowIndex {
			continue
		}
		if _, drop := skip[rec.line]; drop {
			continue
		}
		if recordEmpty(rec.fields) {
			continue
		}
		values := make(map[string]string, len(positions))
		for field, pos := range positions {
			if pos < len(rec.fields) {
				values[field] = rec.fields[pos]
			}
		}
		rows = append(rows, Row{Index: rec.line, Values: values})
	}
	return rows, nil
}

// resolveColumns maps canonical fields to record positions. Mapping values
// are header names; a bare integer is accepted as a positional reference for
// exports with duplicate or unusable header text.
func resolveColumns(header []string, mapping map[string]string) (map[string]int, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, exists := byName[name]; !exists {
			byName[name] = i
		}
	}

	positions := make(map[string]int, len(mapping))
	for field, col := range mapping {
		name := strings.ToLower(strings.TrimSpace(col))
		if pos, ok := byName[name]; ok {
			positions[field] = pos
			continue
		}
		if pos, err := strconv.Atoi(name); err == nil && pos >= 0 && pos < len(header) {
			positions[field] = pos
			continue
		}
		return nil, fmt.Errorf("mapped column %q for %s not present in header", col, field)
	}
	return positions, nil
}

func recordEmpty(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// DelimiterRune translates a plan delimiter into the rune csv.Reader wants.
// Unknown or empty values fall back to comma.
func DelimiterRune(d string) rune {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case ";":
		return ';'
	case "\t", "tab", "\\t":
		return '\t'
	case "|":
		return '|'
	default:
		return ','
	}
}

// Sample bounds the bytes handed to the format analyzer: at most maxRows
// lines and maxBytes bytes, cut at a line boundary so the model never sees a
// truncated record.
func Sample(data []byte, maxBytes, maxRows int) []byte {
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[:maxBytes]
		if cut := bytes.LastIndexByte(data, '\n'); cut > 0 {
			data = data[:cut]
		}
	}
	if maxRows > 0 {
		lines := bytes.Split(data, []byte{'\n'})
		if len(lines) > maxRows {
			data = bytes.Join(lines[:maxRows], []byte{'\n'})
		}
	}
	return data
}

// headerRegionLines caps how far into a file the fingerprint looks.
const headerRegionLines = 10

// HeaderHash fingerprints a file's layout so plans cache across uploads of
// the same export format. The fingerprint covers the preamble and column
// header with digits masked out, which keeps it stable when preamble text
// embeds account numbers or statement periods.
func HeaderHash(tenantID string, data []byte) string {
	lines := splitLines(data, headerRegionLines)

	region := -1
	for i, line := range lines {
		if lineLooksHeader(line) {
			region = i
			break
		}
	}
	if region < 0 {
		// No recognizable header; fall back to the first few lines.
		region = len(lines) - 1
		if region > 3 {
			region = 3
		}
	}

	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0x1f})
	for _, line := range lines[:region+1] {
		h.Write([]byte(maskDigits(line)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func splitLines(data []byte, max int) []string {
	var lines []string
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		lines = append(lines, strings.TrimRight(string(raw), "\r"))
		if len(lines) == max {
			break
		}
	}
	return lines
}

// lineLooksHeader holds when a line splits into two or more fields none of
// which carries data-like content (amounts, dates, identifiers).
func lineLooksHeader(line string) bool {
	fields := splitBestDelimiter(line)
	if len(fields) < 2 {
		return false
	}
	for _, f := range fields {
		if fieldLooksData(f) {
			return false
		}
	}
	return true
}

// splitBestDelimiter splits on whichever candidate delimiter yields the most
// fields. Good enough for fingerprinting; the real delimiter comes from the
// plan.
func splitBestDelimiter(line string) []string {
	best := []string{line}
	for _, d := range []string{",", ";", "\t", "|"} {
		if parts := strings.Split(line, d); len(parts) > len(best) {
			best = parts
		}
	}
	return best
}

func fieldLooksData(f string) bool {
	f = strings.TrimSpace(f)
	if f == "" {
		return false
	}
	digits := 0
	for _, r := range f {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	// Header labels carry at most a stray digit ("Amount 2"); dates, amounts
	// and account numbers carry several.
	return digits >= 4
}

func maskDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return '#'
		}
		return r
	}, s)
}
