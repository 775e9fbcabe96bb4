// Package reprompt feeds an existing artifact back into the chat so the
// model can revise it. The artifact's current data is serialized into the
// outgoing message, and a version snapshot is taken before anything is sent,
// so the pre-revision state survives whatever the model does next.
package reprompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agfin/loanproxy/internal/artifact"
)

// ErrNotRepromptable is returned when the artifact cannot be sent back to
// the model, either because it does not exist or because its type carries no
// revisable data.
var ErrNotRepromptable = errors.New("artifact cannot be re-prompted")

// Sender delivers a user chat message. The streaming channel satisfies this
// in production; tests substitute a recorder.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Bridge connects the artifact registry to the chat pipeline.
type Bridge struct {
	registry *artifact.Registry
	sender   Sender
	logger   *slog.Logger
}

// NewBridge creates a Bridge over the given registry and sender.
func NewBridge(registry *artifact.Registry, sender Sender, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{registry: registry, sender: sender, logger: logger}
}

// CanReprompt reports whether the artifact can be revised through chat.
// Documents are raw uploads with no model-editable data, so they are
// excluded; unknown ids are excluded too.
func (b *Bridge) CanReprompt(id string) bool {
	a := b.registry.Get(id)
	if a == nil {
		return false
	}
	return a.Type != artifact.TypeDocument
}

// Context renders the artifact into the text block that precedes the user's
// revision instruction. Returns "" when the artifact is not re-promptable.
func (b *Bridge) Context(id string) string {
	if !b.CanReprompt(id) {
		return ""
	}
	a := b.registry.Get(id)

	data, err := json.MarshalIndent(a.Data, "", "  ")
	if err != nil {
		b.logger.Warn("serialize artifact for re-prompt", "artifact_id", id, "error", err)
		data = []byte("{}")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Here is the current %s artifact %q:\n\n", a.Type.Label(), a.Title)
	sb.Write(data)
	sb.WriteString("\n\nPlease revise it according to the instruction below.")
	return sb.String()
}

// Start snapshots the artifact and then sends the revision request as a user
// chat message. The snapshot always happens before the send, and a send
// failure never removes it: if the model's revision goes sideways, the
// pre-revision state is still in the version history.
func (b *Bridge) Start(ctx context.Context, id, instruction string) error {
	rendered := b.Context(id)
	if rendered == "" {
		return fmt.Errorf("%w: %s", ErrNotRepromptable, id)
	}

	if v := b.registry.CreateVersion(ctx, id, "Pre-reprompt snapshot", artifact.SourceProxyEdited); v == nil {
		return fmt.Errorf("%w: %s", ErrNotRepromptable, id)
	}

	message := rendered
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		message += "\n\n" + instruction
	}
	if err := b.sender.Send(ctx, message); err != nil {
		return fmt.Errorf("send re-prompt: %w", err)
	}
	return nil
}
