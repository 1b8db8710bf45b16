package pipe

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

const minFields = 5

// Parse reads pipe-delimited text. Without a header the first five fields are
// timestamp|a_party|b_party|duration|service_type and any further fields
// become field_N metadata. A first line starting with a "timestamp" column
// is treated as a header and switches to named columns. Lines starting with
// '#' are comments.
func Parse(content []byte, n *record.Normalizer) ([]record.Record, []record.ParseWarning) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		records  []record.Record
		warnings []record.ParseWarning
		header   []string
		first    = true
		line     int
	)

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Split(text, "|")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		if first {
			first = false
			if name, _ := record.CanonicalField(fields[0]); name == record.FieldTimestamp && !looksLikeTime(fields[0]) {
				header = fields
				continue
			}
		}

		var raw record.Raw
		if header != nil {
			for i, value := range fields {
				if i < len(header) {
					raw.Set(header[i], value)
				}
			}
		} else {
			if len(fields) < minFields {
				warnings = append(warnings, record.ParseWarning{
					Line:   line,
					Reason: fmt.Sprintf("expected at least %d fields, got %d", minFields, len(fields)),
				})
				continue
			}
			raw = record.Raw{
				Timestamp:   fields[0],
				AParty:      fields[1],
				BParty:      fields[2],
				Duration:    fields[3],
				ServiceType: fields[4],
			}
			for i := minFields; i < len(fields); i++ {
				if fields[i] == "" {
					continue
				}
				if raw.Metadata == nil {
					raw.Metadata = make(map[string]string)
				}
				raw.Metadata[fmt.Sprintf("field_%d", i+1)] = fields[i]
			}
		}

		rec, rowWarnings, ok := n.Normalize(raw, line)
		warnings = append(warnings, rowWarnings...)
		if ok {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		warnings = append(warnings, record.ParseWarning{Line: line + 1, Reason: err.Error()})
	}

	return records, warnings
}

func looksLikeTime(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0
}
