package artifact

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed form of an artifact's data, one variant per Type
// group. The registry stores the JSON object form (map[string]any) because
// versioning and diffing are keyed by field name; these variants exist so
// the rest of the codebase never reaches into untyped maps directly.
type Payload interface {
	// ArtifactType returns the artifact type group this payload belongs to.
	ArtifactType() Type

	// Object returns the JSON object form stored on the artifact.
	Object() (map[string]any, error)
}

// DocumentPayload is the payload for TypeDocument artifacts.
type DocumentPayload struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	StorageURL  string `json:"storage_url,omitempty"`
	PageCount   int    `json:"page_count,omitempty"`
	OCRStatus   string `json:"ocr_status,omitempty"`
}

func (DocumentPayload) ArtifactType() Type { return TypeDocument }

func (p DocumentPayload) Object() (map[string]any, error) { return roundTrip(p) }

// ExtractedField is one AI-extracted field with provenance.
type ExtractedField struct {
	FieldID          string  `json:"field_id"`
	Value            string  `json:"value"`
	Source           Source  `json:"source"`
	ConfidenceScore  float64 `json:"confidence_score,omitempty"`
	SourceDocumentID string  `json:"source_document_id,omitempty"`
}

// ExtractionPayload is the payload for TypeExtraction artifacts.
type ExtractionPayload struct {
	SourceDocumentID string           `json:"source_document_id,omitempty"`
	Fields           []ExtractedField `json:"fields"`
}

func (ExtractionPayload) ArtifactType() Type { return TypeExtraction }

func (p ExtractionPayload) Object() (map[string]any, error) { return roundTrip(p) }

// ModulePayload is the payload for module form artifacts. Module form data
// is a flat field map: one key per field_id, so version diffs line up with
// individual form fields.
type ModulePayload struct {
	Type   Type
	Fields map[string]any
}

func (p ModulePayload) ArtifactType() Type { return p.Type }

func (p ModulePayload) Object() (map[string]any, error) {
	out := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		out[k] = v
	}
	return out, nil
}

// DecodePayload converts an artifact's object form back into its typed variant.
func DecodePayload(t Type, data map[string]any) (Payload, error) {
	if t.IsModule() {
		fields := make(map[string]any, len(data))
		for k, v := range data {
			fields[k] = v
		}
		return ModulePayload{Type: t, Fields: fields}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}

	switch t {
	case TypeDocument:
		var p DocumentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode document payload: %w", err)
		}
		return p, nil
	case TypeExtraction:
		var p ExtractionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode extraction payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown artifact type %q", t)
	}
}

// roundTrip converts any JSON-encodable value into its object form.
func roundTrip(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode payload object: %w", err)
	}
	return obj, nil
}
