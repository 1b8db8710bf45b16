package json

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/ipdr/pkg/logger"
	"github.com/OFFIS-RIT/ipdr/pkg/record"

	"github.com/kaptinlin/jsonrepair"
)

// Parse decodes a JSON array of record objects. A stream of objects (one per
// line or concatenated) is accepted as well. Input that fails to decode is
// passed through jsonrepair once; only if that also fails is the input
// rejected as a whole. Warning line numbers are 1-based element positions.
func Parse(content []byte, n *record.Normalizer) ([]record.Record, []record.ParseWarning, error) {
	elements, err := decode(content)
	if err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(content))
		if repairErr != nil {
			return nil, nil, fmt.Errorf("malformed JSON: %w", err)
		}
		elements, err = decode([]byte(repaired))
		if err != nil {
			return nil, nil, fmt.Errorf("malformed JSON: %w", err)
		}
		logger.Warn("[Loader] Repaired malformed JSON input", "elements", len(elements))
	}

	var (
		records  []record.Record
		warnings []record.ParseWarning
	)
	for i, element := range elements {
		line := i + 1
		obj, ok := element.(map[string]any)
		if !ok {
			warnings = append(warnings, record.ParseWarning{Line: line, Reason: "element is not an object"})
			continue
		}

		var raw record.Raw
		assigned := make(map[string]bool)
		for _, key := range fieldOrder(obj) {
			value := obj[key]
			if strings.EqualFold(key, "metadata") {
				if nested, ok := value.(map[string]any); ok {
					setMetadata(&raw, nested)
					continue
				}
			}
			s := stringify(value)
			if field, known := record.CanonicalField(key); known {
				// First non-empty value per field wins.
				if assigned[field] || strings.TrimSpace(s) == "" {
					continue
				}
				assigned[field] = true
			}
			raw.Set(key, s)
		}

		rec, rowWarnings, ok := n.Normalize(raw, line)
		warnings = append(warnings, rowWarnings...)
		if ok {
			records = append(records, rec)
		}
	}

	return records, warnings, nil
}

// fieldOrder sorts the keys of obj so that exact canonical names come first,
// followed by everything else in lexical order.
func fieldOrder(obj map[string]any) []string {
	rank := func(key string) int {
		if field, known := record.CanonicalField(key); known && field == key {
			return 0
		}
		return 1
	}
	keys := slices.Collect(maps.Keys(obj))
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Or(cmp.Compare(rank(a), rank(b)), strings.Compare(a, b))
	})
	return keys
}

func decode(content []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var values []any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		return nil, errors.New("empty document")
	}
	if arr, ok := values[0].([]any); ok {
		if len(values) > 1 {
			return nil, errors.New("unexpected data after top-level array")
		}
		return arr, nil
	}
	return values, nil
}

// setMetadata copies a nested metadata object. Keys that would be read back
// as schema columns are prefixed so exports stay unambiguous.
func setMetadata(raw *record.Raw, nested map[string]any) {
	for _, key := range slices.Sorted(maps.Keys(nested)) {
		value := nested[key]
		s := strings.TrimSpace(stringify(value))
		key = strings.TrimSpace(key)
		if s == "" || key == "" {
			continue
		}
		if _, known := record.CanonicalField(key); known || strings.EqualFold(key, "metadata") {
			key = "meta_" + key
		}
		if raw.Metadata == nil {
			raw.Metadata = make(map[string]string)
		}
		raw.Metadata[key] = s
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
