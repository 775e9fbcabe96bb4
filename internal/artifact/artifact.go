package artifact

import (
	"fmt"
	"time"
)

// Type represents the artifact content type.
type Type string

const (
	// TypeDocument is an uploaded source document. Documents are immutable
	// source material: they can be viewed and exported but never re-prompted.
	TypeDocument Type = "document"

	// TypeExtraction is a set of AI-extracted fields reviewed against a document.
	TypeExtraction Type = "extraction"

	// Module form artifacts, one per certification module.
	TypeModuleM1 Type = "module_m1"
	TypeModuleM2 Type = "module_m2"
	TypeModuleM3 Type = "module_m3"
	TypeModuleM4 Type = "module_m4"
	TypeModuleM5 Type = "module_m5"
)

// moduleLabels maps module artifact types to their certification section names.
var moduleLabels = map[Type]string{
	TypeModuleM1: "Identity",
	TypeModuleM2: "Lands",
	TypeModuleM3: "Financial",
	TypeModuleM4: "Operations",
	TypeModuleM5: "Summary",
}

// Valid reports whether t is a known artifact type.
func (t Type) Valid() bool {
	switch t {
	case TypeDocument, TypeExtraction,
		TypeModuleM1, TypeModuleM2, TypeModuleM3, TypeModuleM4, TypeModuleM5:
		return true
	}
	return false
}

// IsModule reports whether t is one of the five module form types.
func (t Type) IsModule() bool {
	_, ok := moduleLabels[t]
	return ok
}

// ModuleNumber returns the 1-based module number, or 0 for non-module types.
func (t Type) ModuleNumber() int {
	switch t {
	case TypeModuleM1:
		return 1
	case TypeModuleM2:
		return 2
	case TypeModuleM3:
		return 3
	case TypeModuleM4:
		return 4
	case TypeModuleM5:
		return 5
	}
	return 0
}

// Label returns a human-readable label for t, used by the re-prompt context
// and CSV export headers.
func (t Type) Label() string {
	switch t {
	case TypeDocument:
		return "Document"
	case TypeExtraction:
		return "Extraction"
	}
	if name, ok := moduleLabels[t]; ok {
		return fmt.Sprintf("Module %d: %s", t.ModuleNumber(), name)
	}
	return string(t)
}

// Source classifies how an artifact version came to exist.
type Source string

const (
	SourceAIExtracted  Source = "ai_extracted"
	SourceProxyEntered Source = "proxy_entered"
	SourceProxyEdited  Source = "proxy_edited"
	SourceAIReprompt   Source = "ai_reprompt"
)

// Version is one immutable snapshot in an artifact's append-only history.
type Version struct {
	ID                string         `json:"versionId"`
	Number            int            `json:"versionNumber"` // 1-based, strictly increasing per artifact
	CreatedAt         time.Time      `json:"createdAt"`
	ChangeDescription string         `json:"changeDescription,omitempty"`
	Source            Source         `json:"source"`
	Snapshot          map[string]any `json:"dataSnapshot"`
}

// Artifact is a unit of rendered content pinned into the side panel.
//
// Data holds the JSON object form of the type-specific payload; the typed
// variants in payload.go encode into and decode out of it. Versioning and
// diffing operate on this object form because both are keyed by field name.
type Artifact struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	Title          string         `json:"title"`
	Data           map[string]any `json:"data"`
	CurrentVersion int            `json:"currentVersion"`
	Versions       []*Version     `json:"versionHistory"`
}

// cloneObject deep-copies a JSON object by round-tripping through encoding.
// Guarantees version snapshots never alias live artifact data.
func cloneObject(obj map[string]any) (map[string]any, error) {
	if obj == nil {
		return map[string]any{}, nil
	}
	return roundTrip(obj)
}
