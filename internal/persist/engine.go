// Package persist writes staged tables into the host transcript and keeps
// the data store, knowledge base and user informed about the outcome.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"tablestage/internal/datastore"
	"tablestage/internal/host"
	"tablestage/internal/sheet"
	"tablestage/internal/util"
)

var (
	ErrCommitInFlight = errors.New("persist: a save is already in progress")
	ErrNoTarget       = errors.New("persist: no transcript entry can hold the tables")
	ErrNoChat         = errors.New("persist: host does not expose a transcript")
	ErrInvalidRange   = errors.New("persist: invalid range")
)

// WriteError is returned when the host's save primitive fails. Staged data
// is left as it was so the save can be retried.
type WriteError struct {
	Floor int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist entry %d: %v", e.Floor, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type Notifier interface {
	Info(message string)
	Warn(message string)
	Error(message string)
}

// LogNotifier reports notifications through the logger only.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Info(message string)  { n.Log.Info(message) }
func (n LogNotifier) Warn(message string)  { n.Log.Warn(message) }
func (n LogNotifier) Error(message string) { n.Log.Error(message) }

type Options struct {
	Host  host.Host
	Store *datastore.Store
	// IsolationKey names this session's bag. A random key is generated when empty.
	IsolationKey   string
	SuppressWindow time.Duration
	ResyncTimeout  time.Duration
	// Knowledge overrides the host's own knowledge base capability.
	Knowledge host.KnowledgeBase
	// History is cleared for the scope when a purge empties the whole transcript.
	History  HistoryClearer
	Notifier Notifier
	Logger   logrus.FieldLogger
}

type HistoryClearer interface {
	Clear(ctx context.Context, scopeID string) error
}

type CommitOptions struct {
	// Data overrides the staged tables.
	Data          sheet.Map
	SkipNotify    bool
	CommitDeletes bool
	// TargetFloor forces the entry index; nil resolves it automatically.
	TargetFloor *int
}

type CommitResult struct {
	Floor        int         `json:"floor"`
	FloorReason  FloorReason `json:"floorReason"`
	IsolationKey string      `json:"isolationKey"`
	Sheets       []string    `json:"sheets"`
	DeletedRows  int         `json:"deletedRows"`
}

type Engine struct {
	host           host.Host
	store          *datastore.Store
	isolationKey   string
	suppressWindow time.Duration
	resyncTimeout  time.Duration
	knowledge      host.KnowledgeBase
	history        HistoryClearer
	notifier       Notifier
	log            logrus.FieldLogger

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithField("component", "persist")
	if opts.IsolationKey == "" {
		opts.IsolationKey = util.NewID("iso")
	}
	if opts.SuppressWindow <= 0 {
		opts.SuppressWindow = 2 * time.Second
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = 30 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Log: log}
	}
	if opts.Knowledge == nil {
		opts.Knowledge, _ = opts.Host.(host.KnowledgeBase)
	}
	return &Engine{
		host:           opts.Host,
		store:          opts.Store,
		isolationKey:   opts.IsolationKey,
		suppressWindow: opts.SuppressWindow,
		resyncTimeout:  opts.ResyncTimeout,
		knowledge:      opts.Knowledge,
		history:        opts.History,
		notifier:       opts.Notifier,
		log:            log,
	}
}

func (e *Engine) IsolationKey() string {
	return e.isolationKey
}

// Commit writes tables into the target transcript entry. Only one save runs
// at a time; overlapping calls fail with ErrCommitInFlight.
func (e *Engine) Commit(ctx context.Context, opts CommitOptions) (CommitResult, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		commitsTotal.WithLabelValues("rejected").Inc()
		if !opts.SkipNotify {
			e.notifier.Warn("A save is already in progress.")
		}
		return CommitResult{}, ErrCommitInFlight
	}
	defer e.inFlight.Store(false)

	timer := prometheus.NewTimer(commitDuration)
	defer timer.ObserveDuration()

	result, err := e.commit(ctx, opts)
	switch {
	case err == nil:
		commitsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, datastore.ErrNoData):
		commitsTotal.WithLabelValues("empty").Inc()
	default:
		commitsTotal.WithLabelValues("failed").Inc()
		e.log.WithError(err).Error("commit failed")
		if !opts.SkipNotify {
			e.notifier.Error(fmt.Sprintf("Saving tables failed: %v", err))
		}
	}
	return result, err
}

func (e *Engine) commit(ctx context.Context, opts CommitOptions) (CommitResult, error) {
	source, gen, err := e.sourceData(ctx, opts.Data)
	if err != nil {
		return CommitResult{}, err
	}
	data := source.Clone()

	deleted := 0
	if opts.CommitDeletes {
		deleted = filterDeletes(data, e.store.PendingDeletes())
	}

	chat, ok := host.Chat(e.host)
	if !ok {
		return CommitResult{}, ErrNoChat
	}
	if opts.TargetFloor != nil && (*opts.TargetFloor < 0 || *opts.TargetFloor >= len(chat)) {
		e.log.WithField("floor", *opts.TargetFloor).Warn("requested floor out of range, resolving automatically")
	}
	floor, reason, err := ResolveFloor(chat, opts.TargetFloor)
	if err != nil {
		return CommitResult{}, err
	}
	entry := chat[floor]
	key := isolationKeyFor(entry, e.isolationKey)
	log := e.log.WithFields(logrus.Fields{"floor": floor, "reason": reason, "isolationKey": key})

	previous, hadPrevious := entry.Field(host.FieldIsolated)
	bags, err := entry.Isolated()
	if err != nil {
		log.WithError(err).Warn("replacing unreadable isolated data")
		bags = map[string]host.IsolatedData{}
	}
	bag := bags[key]
	if bag.IndependentData == nil {
		bag.IndependentData = make(map[string]any)
	}
	for sheetKey, raw := range data.ToRaw() {
		bag.IndependentData[sheetKey] = raw
	}
	bag.ModifiedKeys = union(bag.ModifiedKeys, data.Keys())
	bags[key] = bag
	if err := entry.SetIsolated(bags); err != nil {
		return CommitResult{}, err
	}

	if err := e.persistEntries(ctx); err != nil {
		entry.RestoreField(host.FieldIsolated, previous, hadPrevious)
		return CommitResult{}, &WriteError{Floor: floor, Err: err}
	}

	if !e.store.CommitSaved(ctx, data, gen) {
		log.Info("tables changed while saving, keeping newer edits staged")
	}
	e.store.Suppress(e.suppressWindow)
	log.WithFields(logrus.Fields{"sheets": len(data), "deleted": deleted}).Info("tables committed")
	if !opts.SkipNotify {
		e.notifier.Info(fmt.Sprintf("Saved %d table(s) to message #%d.", len(data), floor))
	}
	e.resync(ctx)

	return CommitResult{
		Floor:        floor,
		FloorReason:  reason,
		IsolationKey: key,
		Sheets:       data.Keys(),
		DeletedRows:  deleted,
	}, nil
}

// sourceData picks explicit data, then staged data, then a fresh export,
// along with the store generation it was taken at.
func (e *Engine) sourceData(ctx context.Context, explicit sheet.Map) (sheet.Map, uint64, error) {
	if len(explicit) > 0 {
		return explicit, e.store.Generation(), nil
	}
	if staged, gen := e.store.StagedAt(); len(staged) > 0 {
		return staged, gen, nil
	}
	gen := e.store.Generation()
	if exporter, ok := e.host.(host.TableExporter); ok {
		raw, err := exporter.ExportCurrentTables(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("export current tables: %w", err)
		}
		if data := sheet.ParseRaw(raw); len(data) > 0 {
			return data, gen, nil
		}
	}
	return nil, 0, datastore.ErrNoData
}

func (e *Engine) persistEntries(ctx context.Context) error {
	persister, ok := e.host.(host.EntryPersister)
	if !ok {
		return host.ErrUnsupported
	}
	return persister.PersistConversationEntry(ctx)
}

// resync refreshes the knowledge base in the background. Failures only warn.
func (e *Engine) resync(ctx context.Context) {
	kb := e.knowledge
	if kb == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.resyncTimeout)
		defer cancel()
		if err := kb.ResyncKnowledgeBase(rctx, host.ResyncOptions{CreateIfNeeded: true}); err != nil {
			resyncFailures.Inc()
			e.log.WithError(err).Warn("knowledge base resync failed")
			e.notifier.Warn(fmt.Sprintf("Tables saved, but the knowledge base was not updated: %v", err))
		}
	}()
}

// Wait blocks until background resyncs have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// filterDeletes drops rows named in deletes from data and returns how many
// were removed. Keys are resolved before any row is removed.
func filterDeletes(data sheet.Map, deletes sheet.MarkerSet) int {
	drop := make(map[string]map[int]bool)
	for rowKey := range deletes {
		s, row, ok := data.ResolveRow(rowKey)
		if !ok || row >= len(s.Rows) {
			continue
		}
		if drop[s.Key] == nil {
			drop[s.Key] = make(map[int]bool)
		}
		drop[s.Key][row] = true
	}
	removed := 0
	for key, rows := range drop {
		s := data[key]
		kept := make([][]string, 0, len(s.Rows)-len(rows))
		for i, r := range s.Rows {
			if rows[i] {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		s.Rows = kept
	}
	return removed
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
