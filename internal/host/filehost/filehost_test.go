package filehost

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"tablestage/internal/host"
)

func tables() map[string]any {
	return map[string]any{
		"items": map[string]any{
			"name":    "Items",
			"content": []any{[]any{"#", "Name"}, []any{"1", "Knife"}},
		},
	}
}

// writeJSON stands in for the chat client and the AI writer, which own
// chat.json and tables.json.
func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestPersistCommitsTranscript(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chat-1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeJSON(t, filepath.Join(dir, ChatFile), []*host.Entry{
		{IsUser: true, Name: "me", Text: "hello"},
		{Name: "bot", Text: "hi"},
	})
	h, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if h.ScopeID() != "chat-1" {
		t.Fatalf("scope = %q", h.ScopeID())
	}
	reply := h.Chat()[1]

	ctx := context.Background()
	if err := h.PersistConversationEntry(ctx); err != nil {
		t.Fatalf("PersistConversationEntry() error = %v", err)
	}
	if err := h.PersistConversationEntry(ctx); err != nil {
		t.Fatalf("unchanged PersistConversationEntry() error = %v", err)
	}

	reply.Fields = map[string]json.RawMessage{host.FieldModified: json.RawMessage(`["items"]`)}
	if err := h.PersistConversationEntry(ctx); err != nil {
		t.Fatalf("PersistConversationEntry() error = %v", err)
	}

	history, err := h.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d commits, want 2", len(history))
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	chat := reopened.Chat()
	if len(chat) != 2 || !chat[0].IsUser || chat[1].Text != "hi" {
		t.Fatalf("reloaded chat = %+v", chat)
	}
	if !chat[1].HasToolFields() {
		t.Fatal("tool fields should survive a reload")
	}
}

func TestHistoryEmptyRepo(t *testing.T) {
	h, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	history, err := h.History(5)
	if err != nil || len(history) != 0 {
		t.Fatalf("History() = %v, %v", history, err)
	}
}

func TestExportCurrentTables(t *testing.T) {
	h, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	raw, err := h.ExportCurrentTables(ctx)
	if err != nil || len(raw) != 0 {
		t.Fatalf("ExportCurrentTables() = %v, %v; want empty", raw, err)
	}
	writeJSON(t, filepath.Join(h.Dir(), TablesFile), tables())
	raw, err = h.ExportCurrentTables(ctx)
	if err != nil {
		t.Fatalf("ExportCurrentTables() error = %v", err)
	}
	if _, ok := raw["items"]; !ok {
		t.Fatalf("tables = %v", raw)
	}
}

func TestHooksFireForWatchedFiles(t *testing.T) {
	h, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	writeJSON(t, filepath.Join(h.Dir(), TablesFile), tables())

	var updated, fill int
	h.OnTableUpdated(func(map[string]any) { updated++ })
	reg := h.OnTableFillStarted(func(map[string]any) { fill++ })

	h.handle(fsnotify.Event{Name: filepath.Join(h.Dir(), TablesFile), Op: fsnotify.Write})
	h.handle(fsnotify.Event{Name: filepath.Join(h.Dir(), FillFile), Op: fsnotify.Create})
	h.handle(fsnotify.Event{Name: filepath.Join(h.Dir(), ChatFile), Op: fsnotify.Write})
	h.handle(fsnotify.Event{Name: filepath.Join(h.Dir(), TablesFile), Op: fsnotify.Remove})
	if updated != 1 || fill != 1 {
		t.Fatalf("updated=%d fill=%d, want 1/1", updated, fill)
	}

	reg.Unregister()
	reg.Unregister()
	h.handle(fsnotify.Event{Name: filepath.Join(h.Dir(), FillFile), Op: fsnotify.Write})
	if fill != 1 {
		t.Fatalf("fill hook fired after unregister")
	}
}

func TestWatchDeliversTableWrites(t *testing.T) {
	h, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got := make(chan map[string]any, 8)
	h.OnTableUpdated(func(raw map[string]any) { got <- raw })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case raw := <-got:
			if _, ok := raw["items"]; ok {
				return
			}
		case <-tick.C:
			// The watcher may not be registered yet; keep rewriting.
			writeJSON(t, filepath.Join(h.Dir(), TablesFile), tables())
		case <-deadline:
			t.Fatal("no table update delivered")
		}
	}
}

func TestOpenRejectsCorruptChat(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ChatFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, nil); err == nil {
		t.Fatal("Open() should fail on a corrupt transcript")
	}
}
