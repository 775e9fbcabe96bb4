package artifact

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Metadata is artifact metadata embedded in an assistant message. The AI
// signals the panel to open or replace an artifact through one of three
// encodings, tried in order:
//
//  1. a fenced code block tagged artifact-metadata containing JSON
//  2. an inline [artifact:key=value,...] tag
//  3. a structured JSON message with an "artifact" field
//
// Parse failures are logged and treated as "no artifact in this message".
type Metadata struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	Title          string         `json:"title"`
	Data           map[string]any `json:"data,omitempty"`
	OpenFullScreen bool           `json:"openFullScreen,omitempty"`
	Replace        bool           `json:"replace,omitempty"`
}

const (
	fenceTag    = "```artifact-metadata"
	inlineStart = "[artifact:"
)

// ParseMetadata extracts artifact metadata from a chat message's text.
// Returns nil when the message carries no (valid) artifact.
func ParseMetadata(content string, logger *slog.Logger) *Metadata {
	if logger == nil {
		logger = slog.Default()
	}

	if meta := parseFencedBlock(content, logger); meta != nil {
		return meta
	}
	if meta := parseInlineTag(content, logger); meta != nil {
		return meta
	}
	return parseStructured(content, logger)
}

// parseFencedBlock handles the ```artifact-metadata fenced JSON encoding.
func parseFencedBlock(content string, logger *slog.Logger) *Metadata {
	start := strings.Index(content, fenceTag)
	if start == -1 {
		return nil
	}
	body := content[start+len(fenceTag):]

	end := strings.Index(body, "```")
	if end == -1 {
		logger.Warn("unterminated artifact-metadata block")
		return nil
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(strings.TrimSpace(body[:end])), &meta); err != nil {
		logger.Warn("malformed artifact-metadata block", "error", err)
		return nil
	}
	return validateMetadata(&meta, logger)
}

// parseInlineTag handles the [artifact:id=...,type=...,title=...] encoding.
// Values cannot contain commas in this encoding; rich data arrives via the
// fenced block instead.
func parseInlineTag(content string, logger *slog.Logger) *Metadata {
	start := strings.Index(content, inlineStart)
	if start == -1 {
		return nil
	}
	body := content[start+len(inlineStart):]

	end := strings.Index(body, "]")
	if end == -1 {
		logger.Warn("unterminated inline artifact tag")
		return nil
	}

	meta := &Metadata{}
	for _, pair := range strings.Split(body[:end], ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "id":
			meta.ID = value
		case "type":
			meta.Type = Type(value)
		case "title":
			meta.Title = value
		case "openFullScreen":
			meta.OpenFullScreen = value == "true"
		case "replace":
			meta.Replace = value == "true"
		}
	}

	if meta.ID == "" || meta.Type == "" || meta.Title == "" {
		logger.Warn("inline artifact tag missing required keys",
			"id", meta.ID, "type", string(meta.Type), "title", meta.Title)
		return nil
	}
	return validateMetadata(meta, logger)
}

// parseStructured handles a message whose whole content is a JSON object
// with an "artifact" field.
func parseStructured(content string, logger *slog.Logger) *Metadata {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var wrapper struct {
		Artifact *Metadata `json:"artifact"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		// Plain prose starting with "{" is not an error worth logging loudly.
		logger.Debug("message is not structured artifact JSON", "error", err)
		return nil
	}
	if wrapper.Artifact == nil {
		return nil
	}
	return validateMetadata(wrapper.Artifact, logger)
}

func validateMetadata(meta *Metadata, logger *slog.Logger) *Metadata {
	if meta.ID == "" {
		logger.Warn("artifact metadata missing id")
		return nil
	}
	if !meta.Type.Valid() {
		logger.Warn("artifact metadata has unknown type", "type", string(meta.Type))
		return nil
	}
	return meta
}

// StripMetadata removes the fenced artifact-metadata block from a message's
// display text. Inline tags and structured messages are left as-is; only the
// fenced block is bulky enough to hide.
func StripMetadata(content string) string {
	start := strings.Index(content, fenceTag)
	if start == -1 {
		return content
	}
	body := content[start+len(fenceTag):]
	end := strings.Index(body, "```")
	if end == -1 {
		return content
	}
	return strings.TrimSpace(content[:start] + body[end+3:])
}
