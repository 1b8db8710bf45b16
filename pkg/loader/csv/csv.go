package csv

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// Parse reads header-driven CSV content. The header row is required; columns
// outside the ingestion schema are folded into record metadata.
func Parse(content []byte, n *record.Normalizer) ([]record.Record, []record.ParseWarning) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		records  []record.Record
		warnings []record.ParseWarning
		header   []string
	)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			line := 0
			if errors.As(err, &pe) {
				line = pe.Line
			}
			warnings = append(warnings, record.ParseWarning{Line: line, Reason: err.Error()})
			continue
		}
		if isEmpty(row) {
			continue
		}
		line, _ := reader.FieldPos(0)

		if header == nil {
			header = row
			if missing := missingColumns(header); len(missing) > 0 {
				warnings = append(warnings, record.ParseWarning{
					Line:   line,
					Reason: fmt.Sprintf("header is missing required columns: %s", strings.Join(missing, ", ")),
				})
				return nil, warnings
			}
			continue
		}

		var raw record.Raw
		for i, value := range row {
			if i >= len(header) {
				break
			}
			raw.Set(header[i], value)
		}

		rec, rowWarnings, ok := n.Normalize(raw, line)
		warnings = append(warnings, rowWarnings...)
		if ok {
			records = append(records, rec)
		}
	}

	return records, warnings
}

func isEmpty(row []string) bool {
	for _, field := range row {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func missingColumns(header []string) []string {
	seen := make(map[string]bool, len(header))
	for _, name := range header {
		if field, ok := record.CanonicalField(name); ok {
			seen[field] = true
		}
	}

	var missing []string
	for _, required := range []string{record.FieldTimestamp, record.FieldAParty, record.FieldBParty} {
		if !seen[required] {
			missing = append(missing, required)
		}
	}
	return missing
}
