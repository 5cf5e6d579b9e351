// Package filehost is a host backed by a working directory: the transcript
// lives in chat.json under git, the writer's current tables in tables.json,
// and a fill.started file signals the start of a fill pass.
package filehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"

	"tablestage/internal/host"
)

const (
	ChatFile   = "chat.json"
	TablesFile = "tables.json"
	FillFile   = "fill.started"

	author      = "tablestage"
	authorEmail = "tablestage@localhost"
)

// Commit is one saved revision of the transcript.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Host struct {
	dir   string
	scope string
	log   logrus.FieldLogger

	mu   sync.Mutex
	repo *git.Repository
	chat []*host.Entry

	updated     host.Hook
	fillStarted host.Hook
}

// Open loads the transcript in dir, initialising the directory and its
// repository when they do not exist yet.
func Open(dir string, logger logrus.FieldLogger) (*Host, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create host dir: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	h := &Host{
		dir:   dir,
		scope: filepath.Base(filepath.Clean(dir)),
		log:   logger.WithFields(logrus.Fields{"component": "filehost", "dir": dir}),
		repo:  repo,
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) load() error {
	payload, err := os.ReadFile(filepath.Join(h.dir, ChatFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", ChatFile, err)
	}
	var chat []*host.Entry
	if err := json.Unmarshal(payload, &chat); err != nil {
		return fmt.Errorf("decode %s: %w", ChatFile, err)
	}
	h.chat = chat
	return nil
}

func (h *Host) Dir() string {
	return h.dir
}

func (h *Host) ScopeID() string {
	return h.scope
}

// Chat returns the live transcript. Entries are shared with the host and
// may be modified in place before PersistConversationEntry.
func (h *Host) Chat() []*host.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chat
}

// PersistConversationEntry writes chat.json and commits it. Saving an
// unchanged transcript is not an error.
func (h *Host) PersistConversationEntry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	chat := h.chat
	if chat == nil {
		chat = []*host.Entry{}
	}
	payload, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	if err := os.WriteFile(filepath.Join(h.dir, ChatFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ChatFile, err)
	}

	worktree, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(ChatFile); err != nil {
		return fmt.Errorf("git add chat: %w", err)
	}
	_, err = worktree.Commit("Update conversation", &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit chat: %w", err)
	}
	return nil
}

// ExportCurrentTables reads tables.json. A missing file means no tables.
func (h *Host) ExportCurrentTables(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.readTables()
}

func (h *Host) readTables() (map[string]any, error) {
	payload, err := os.ReadFile(filepath.Join(h.dir, TablesFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", TablesFile, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TablesFile, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func (h *Host) OnTableUpdated(fn func(map[string]any)) host.Registration {
	return h.updated.Register(fn)
}

func (h *Host) OnTableFillStarted(fn func(map[string]any)) host.Registration {
	return h.fillStarted.Register(fn)
}

// Watch fires the table hooks when tables.json or fill.started change. It
// blocks until ctx is done.
func (h *Host) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(h.dir); err != nil {
		return fmt.Errorf("watch %s: %w", h.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			h.handle(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.log.WithError(err).Warn("watch error")
		}
	}
}

func (h *Host) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	var hook *host.Hook
	switch filepath.Base(event.Name) {
	case TablesFile:
		hook = &h.updated
	case FillFile:
		hook = &h.fillStarted
	default:
		return
	}
	raw, err := h.readTables()
	if err != nil {
		// Partial writes are picked up by the next event.
		h.log.WithError(err).Debug("skip unreadable tables")
		return
	}
	hook.Fire(raw)
}

// History lists transcript commits, newest first.
func (h *Host) History(limit int) ([]Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ref, err := h.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := h.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0, limit)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, Commit{
			Hash:      c.Hash.String()[:7],
			Message:   c.Message,
			CreatedAt: c.Author.When,
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}
