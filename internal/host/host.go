// Package host describes what the engine needs from the chat application it
// runs inside. Every capability is optional and is discovered with a type
// assertion on the value passed in as the host.
package host

import (
	"context"
	"errors"
)

// Host is any value implementing some subset of the capability interfaces.
type Host = any

var ErrUnsupported = errors.New("host: capability not available")

// TableExporter returns the AI writer's current tables in raw form.
type TableExporter interface {
	ExportCurrentTables(ctx context.Context) (map[string]any, error)
}

// TableEvents delivers table rewrites and the start of a fill pass.
type TableEvents interface {
	OnTableUpdated(fn func(map[string]any)) Registration
	OnTableFillStarted(fn func(map[string]any)) Registration
}

type ChatAccessor interface {
	Chat() []*Entry
}

type ScopeProvider interface {
	ScopeID() string
}

// EntryPersister saves the conversation after entries were modified in place.
type EntryPersister interface {
	PersistConversationEntry(ctx context.Context) error
}

type ResyncOptions struct {
	CreateIfNeeded bool
}

type KnowledgeBase interface {
	ResyncKnowledgeBase(ctx context.Context, opts ResyncOptions) error
}

const DefaultScope = "default"

// Scope returns the host's conversation id, or DefaultScope.
func Scope(h Host) string {
	if p, ok := h.(ScopeProvider); ok {
		if id := p.ScopeID(); id != "" {
			return id
		}
	}
	return DefaultScope
}

// Chat returns the host transcript, or nil when the host does not expose one.
func Chat(h Host) ([]*Entry, bool) {
	a, ok := h.(ChatAccessor)
	if !ok {
		return nil, false
	}
	return a.Chat(), true
}
