package artifact

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// exportMetadata is the wrapper written around exported artifact data.
type exportMetadata struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Title      string    `json:"title"`
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
}

// ExportJSON renders an artifact as {metadata, data}. The data object is the
// artifact's live data bit-for-bit; parsing the export back recovers it.
func ExportJSON(a *Artifact) ([]byte, error) {
	out := struct {
		Metadata exportMetadata `json:"metadata"`
		Data     map[string]any `json:"data"`
	}{
		Metadata: exportMetadata{
			ID:         a.ID,
			Type:       a.Type,
			Title:      a.Title,
			Version:    a.CurrentVersion,
			ExportedAt: time.Now().UTC(),
		},
		Data: a.Data,
	}

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export artifact %s as JSON: %w", a.ID, err)
	}
	return raw, nil
}

// ExportCSV renders an artifact as CSV. The column layout is type-specific:
// extraction artifacts get the five-column field table, module artifacts a
// field/value dump. Other types have no tabular form and return an error so
// the caller can fall back to text.
//
// encoding/csv applies standard quoting: values containing commas, quotes or
// newlines are quoted with internal quotes doubled.
func ExportCSV(a *Artifact) ([]byte, error) {
	switch {
	case a.Type == TypeExtraction:
		return exportExtractionCSV(a)
	case a.Type.IsModule():
		return exportModuleCSV(a)
	default:
		return nil, fmt.Errorf("artifact type %q has no CSV form", a.Type)
	}
}

func exportExtractionCSV(a *Artifact) ([]byte, error) {
	payload, err := DecodePayload(TypeExtraction, a.Data)
	if err != nil {
		return nil, fmt.Errorf("export extraction CSV: %w", err)
	}
	extraction := payload.(ExtractionPayload)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"field", "value", "source", "confidence", "source_document"}); err != nil {
		return nil, fmt.Errorf("write CSV header: %w", err)
	}
	for _, f := range extraction.Fields {
		confidence := ""
		if f.ConfidenceScore > 0 {
			confidence = fmt.Sprintf("%.2f", f.ConfidenceScore)
		}
		doc := f.SourceDocumentID
		if doc == "" {
			doc = extraction.SourceDocumentID
		}
		if err := w.Write([]string{f.FieldID, f.Value, string(f.Source), confidence, doc}); err != nil {
			return nil, fmt.Errorf("write CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

func exportModuleCSV(a *Artifact) ([]byte, error) {
	keys := make([]string, 0, len(a.Data))
	for k := range a.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"field", "value"}); err != nil {
		return nil, fmt.Errorf("write CSV header: %w", err)
	}
	for _, k := range keys {
		if err := w.Write([]string{k, stringifyValue(a.Data[k])}); err != nil {
			return nil, fmt.Errorf("write CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportText renders an artifact as plain text: the degraded format used
// when a richer export is unavailable.
func ExportText(a *Artifact) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s - %s\n\n", a.Type.Label(), a.Title)

	pretty, err := json.MarshalIndent(a.Data, "", "  ")
	if err != nil {
		fmt.Fprintf(&buf, "%v\n", a.Data)
		return buf.Bytes()
	}
	buf.Write(pretty)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// stringifyValue renders a data value for CSV output. Scalars print bare;
// nested structures print as compact JSON.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
