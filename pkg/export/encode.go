package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Artifact is one encoded output document.
type Artifact struct {
	// Name identifies the artifact within the export. JSON produces a
	// single artifact named after the spec; CSV produces one per table.
	Name        string
	ContentType string
	Payload     []byte
	Rows        int
}

// Materialize encodes a projection result in the requested format.
func Materialize(result Result, format Format) ([]Artifact, error) {
	switch format {
	case FormatJSON:
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode export %s: %w", result.Spec.Name, err)
		}
		return []Artifact{{
			Name:        result.Spec.Name,
			ContentType: "application/json",
			Payload:     payload,
			Rows:        result.TotalRows(),
		}}, nil
	case FormatCSV:
		artifacts := make([]Artifact, 0, len(result.Tables))
		for _, table := range result.Tables {
			payload, err := encodeCSV(table)
			if err != nil {
				return nil, fmt.Errorf("encode export table %s: %w", table.Name, err)
			}
			artifacts = append(artifacts, Artifact{
				Name:        table.Name,
				ContentType: "text/csv",
				Payload:     payload,
				Rows:        len(table.Rows),
			})
		}
		return artifacts, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func encodeCSV(table Table) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(table.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(table.Columns))
	for _, row := range table.Rows {
		for i := range table.Columns {
			var value any
			if i < len(row) {
				value = row[i]
			}
			record[i] = formatValue(value)
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatValue(item)
		}
		return joinList(parts)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, key := range keys {
			parts[i] = key + "=" + formatValue(v[key])
		}
		return joinList(parts)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func joinList(parts []string) string {
	out := ""
	for i, part := range parts {
		if i > 0 {
			out += ";"
		}
		out += part
	}
	return out
}
