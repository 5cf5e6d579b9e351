package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"tablestage/internal/config"
	"tablestage/internal/datastore"
	"tablestage/internal/export"
	"tablestage/internal/history"
	"tablestage/internal/host"
	"tablestage/internal/host/filehost"
	"tablestage/internal/integrity"
	"tablestage/internal/kv"
	"tablestage/internal/locks"
	"tablestage/internal/persist"
	"tablestage/internal/search"
	"tablestage/internal/sheet"
)

type historyLedger interface {
	datastore.HistoryLedger
	List(ctx context.Context, scopeID, rowKey string) ([]history.Snapshot, error)
	Clear(ctx context.Context, scopeID string) error
	Ping(ctx context.Context) error
}

// commitLog is implemented by hosts that keep a history of saves.
type commitLog interface {
	History(limit int) ([]filehost.Commit, error)
}

// Deps are the collaborators a Service is assembled from. Only Host is
// required.
type Deps struct {
	Host    host.Host
	KV      kv.Store
	History historyLedger
	Search  *search.Service
	Hub     *Hub
	Logger  logrus.FieldLogger
}

type DiffView struct {
	Manual   []string `json:"manual"`
	External []string `json:"external"`
	Deletes  []string `json:"deletes"`
}

// RowVersion is a saved snapshot plus the cells restoring it would change
// in the staged row.
type RowVersion struct {
	history.Snapshot
	Changes []history.CellChange `json:"changes"`
}

type IntegrityView struct {
	Issues      []integrity.Issue `json:"issues"`
	Problematic []string          `json:"problematic"`
	Summary     string            `json:"summary"`
}

type Service struct {
	cfg     config.Config
	host    host.Host
	store   *datastore.Store
	engine  *persist.Engine
	history historyLedger
	search  *search.Service
	hub     *Hub
	log     logrus.FieldLogger

	mu       sync.Mutex
	ctx      context.Context
	regs     []host.Registration
	autosave *persist.AutoSaver
	closers  []func() error
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.KV == nil {
		deps.KV = kv.NewMemoryStore()
	}
	scope := host.Scope(deps.Host)

	opts := datastore.Options{
		Scope:  scope,
		KV:     deps.KV,
		Logger: deps.Logger,
	}
	if deps.History != nil {
		opts.History = deps.History
	}
	store := datastore.New(opts)

	s := &Service{
		cfg:     cfg,
		host:    deps.Host,
		store:   store,
		history: deps.History,
		search:  deps.Search,
		hub:     deps.Hub,
		log:     deps.Logger.WithFields(logrus.Fields{"component": "app", "scope": scope}),
		ctx:     context.Background(),
	}

	engineOpts := persist.Options{
		Host:           deps.Host,
		Store:          store,
		IsolationKey:   cfg.IsolationKey,
		SuppressWindow: cfg.SuppressWindow,
		Logger:         deps.Logger,
	}
	if deps.Hub != nil {
		engineOpts.Notifier = deps.Hub
	}
	if deps.History != nil {
		engineOpts.History = deps.History
	}
	if deps.Search != nil {
		engineOpts.Knowledge = knowledgeBase{search: deps.Search, store: store}
	}
	s.engine = persist.New(engineOpts)
	return s
}

// knowledgeBase indexes the last saved tables into the search service.
type knowledgeBase struct {
	search *search.Service
	store  *datastore.Store
}

func (k knowledgeBase) ResyncKnowledgeBase(ctx context.Context, _ host.ResyncOptions) error {
	return k.search.Resync(ctx, k.store.Scope(), k.store.Baseline())
}

// Bind loads saved state (or the host's current tables) and subscribes to
// the host's table events.
func (s *Service) Bind(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if n := s.store.Locks().Load(ctx, s.store.Scope()); n > 0 {
		s.log.WithField("locks", n).Debug("lock table loaded")
	}
	if s.store.Restore(ctx) {
		s.log.Info("restored staged tables")
	} else if err := s.Refresh(ctx); err != nil && !errors.Is(err, datastore.ErrNoData) && !errors.Is(err, host.ErrUnsupported) {
		return fmt.Errorf("load tables: %w", err)
	}

	if events, ok := s.host.(host.TableEvents); ok {
		s.mu.Lock()
		s.regs = append(s.regs,
			events.OnTableUpdated(s.HandleTableUpdate),
			events.OnTableFillStarted(s.HandleFillStarted),
		)
		s.mu.Unlock()
	}

	if s.cfg.AutoSave {
		saver := persist.NewAutoSaver(ctx, s.engine, s.cfg.AutoSaveDelay)
		s.mu.Lock()
		s.autosave = saver
		s.mu.Unlock()
		s.store.OnDirty(saver.Trigger)
	}
	return nil
}

// AddCloser registers cleanup run by Close in reverse order.
func (s *Service) AddCloser(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *Service) Close() error {
	s.mu.Lock()
	regs := s.regs
	s.regs = nil
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, r := range regs {
		r.Unregister()
	}
	s.store.OnDirty(nil)
	s.engine.Wait()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// HandleTableUpdate absorbs a rewrite from the AI writer.
func (s *Service) HandleTableUpdate(raw map[string]any) {
	ctx := s.baseContext()
	data := sheet.ParseRaw(raw)
	res, err := s.store.ApplyExternalUpdate(ctx, data)
	if err != nil {
		if !errors.Is(err, datastore.ErrNoData) {
			s.log.WithError(err).Warn("apply external update")
		}
		return
	}
	if res.Suppressed {
		s.log.Debug("ignored echo of our own save")
		return
	}
	s.log.WithField("markers", len(res.Markers)).Debug("external update applied")
	if len(res.Issues) > 0 && s.hub != nil {
		s.hub.Warn(fmt.Sprintf("%d table row(s) need attention: %s", len(res.Issues), s.store.Integrity().Summary()))
	}
	s.publishState()
}

func (s *Service) HandleFillStarted(raw map[string]any) {
	if s.store.FillStarted(s.baseContext(), sheet.ParseRaw(raw)) {
		s.log.Debug("baseline moved to fill start")
		s.publishState()
	}
}

func (s *Service) publishState() {
	if s.hub == nil {
		return
	}
	st := s.store.State()
	s.hub.Publish(Event{Type: EventState, State: &st})
}

func (s *Service) State() datastore.State {
	return s.store.State()
}

func (s *Service) Tables() sheet.Map {
	return s.store.Staged()
}

func (s *Service) Diff() DiffView {
	return DiffView{
		Manual:   s.store.ManualDiff().Sorted(),
		External: s.store.ExternalDiff().Sorted(),
		Deletes:  s.store.PendingDeletes().Sorted(),
	}
}

func (s *Service) UpdateCell(ctx context.Context, sheetKey string, row, col int, value string) error {
	if err := s.store.UpdateCell(ctx, sheetKey, row, col, value, datastore.EditOptions{}); err != nil {
		return err
	}
	s.publishState()
	return nil
}

// InsertRow adds a data row before position at, or appends it when at is
// nil, and returns the new row key.
func (s *Service) InsertRow(ctx context.Context, sheetKey string, at *int, cells []string) (string, error) {
	var (
		rowKey string
		err    error
	)
	if at == nil {
		rowKey, err = s.store.AppendRow(ctx, sheetKey, cells)
	} else {
		rowKey, err = s.store.InsertRow(ctx, sheetKey, *at, cells)
	}
	if err != nil {
		return "", err
	}
	s.publishState()
	return rowKey, nil
}

// ToggleDelete flips the pending delete of a row and returns the new state.
func (s *Service) ToggleDelete(ctx context.Context, sheetKey string, row int) (string, bool, error) {
	staged := s.store.Staged()
	sh, ok := staged[sheetKey]
	if !ok {
		return "", false, datastore.ErrUnknownSheet
	}
	if row < 0 || row >= len(sh.Rows) {
		return "", false, datastore.ErrUnknownRow
	}
	rowKey := sh.RowKey(row)
	pending := s.store.ToggleDelete(ctx, rowKey)
	s.publishState()
	return rowKey, pending, nil
}

func (s *Service) Undo(ctx context.Context) error {
	if err := s.store.UndoToLastSave(ctx); err != nil {
		return err
	}
	s.publishState()
	return nil
}

// Refresh reloads staged data and baseline from the host, discarding
// unsaved work.
func (s *Service) Refresh(ctx context.Context) error {
	exporter, ok := s.host.(host.TableExporter)
	if !ok {
		return host.ErrUnsupported
	}
	raw, err := exporter.ExportCurrentTables(ctx)
	if err != nil {
		return fmt.Errorf("export current tables: %w", err)
	}
	if err := s.store.Refresh(ctx, sheet.ParseRaw(raw)); err != nil {
		return err
	}
	s.publishState()
	return nil
}

func (s *Service) Commit(ctx context.Context, opts persist.CommitOptions) (persist.CommitResult, error) {
	result, err := s.engine.Commit(ctx, opts)
	if err != nil {
		return persist.CommitResult{}, err
	}
	s.publishState()
	return result, nil
}

func (s *Service) Purge(ctx context.Context, start, end int) (persist.PurgeResult, error) {
	result, err := s.engine.PurgeRange(ctx, start, end)
	if err != nil {
		return persist.PurgeResult{}, err
	}
	s.publishState()
	return result, nil
}

// WaitBackground blocks until background knowledge-base work has finished.
func (s *Service) WaitBackground() {
	s.engine.Wait()
}

func (s *Service) Locks(ctx context.Context) []locks.Entry {
	return s.store.Locks().List(ctx, s.store.Scope())
}

// Lock pins the staged value of a cell, or of a whole row when col is
// locks.WholeRow.
func (s *Service) Lock(ctx context.Context, ref locks.Ref) error {
	return s.store.Locks().Lock(ctx, s.store.Scope(), ref, s.store.Staged())
}

func (s *Service) Unlock(ctx context.Context, ref locks.Ref) {
	s.store.Locks().Unlock(ctx, s.store.Scope(), ref)
}

func (s *Service) RowHistory(ctx context.Context, rowKey string) ([]RowVersion, error) {
	if s.history == nil {
		return nil, datastore.ErrNoHistory
	}
	snapshots, err := s.history.List(ctx, s.store.Scope(), rowKey)
	if err != nil {
		return nil, err
	}
	var current []string
	if sh, row, ok := s.store.Staged().ResolveRow(rowKey); ok && row < len(sh.Rows) {
		current = sh.Rows[row]
	}
	versions := make([]RowVersion, 0, len(snapshots))
	for _, snap := range snapshots {
		versions = append(versions, RowVersion{
			Snapshot: snap,
			Changes:  history.DiffCells(current, snap.Cells),
		})
	}
	return versions, nil
}

// Commits lists recent saves when the host records them.
func (s *Service) Commits(limit int) ([]filehost.Commit, error) {
	cl, ok := s.host.(commitLog)
	if !ok {
		return nil, host.ErrUnsupported
	}
	return cl.History(limit)
}

func (s *Service) RestoreRow(ctx context.Context, rowKey, snapshotID string) error {
	if err := s.store.RestoreRow(ctx, rowKey, snapshotID); err != nil {
		return err
	}
	s.publishState()
	return nil
}

func (s *Service) Integrity() IntegrityView {
	checker := s.store.Integrity()
	issues := checker.All()
	if issues == nil {
		issues = []integrity.Issue{}
	}
	return IntegrityView{
		Issues:      issues,
		Problematic: checker.Problematic(),
		Summary:     checker.Summary(),
	}
}

func (s *Service) Export() (*export.Result, error) {
	return export.XLSX(s.store.Staged(), s.store.Scope()+".xlsx")
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	if q.ScopeID == "" {
		q.ScopeID = s.store.Scope()
	}
	return s.search.Search(q)
}

func (s *Service) ServeEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "UNSUPPORTED", "Event stream disabled", nil)
		return
	}
	s.hub.ServeWS(w, r)
}

func (s *Service) Ping(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	return s.history.Ping(ctx)
}
