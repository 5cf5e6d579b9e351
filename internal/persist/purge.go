package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"tablestage/internal/datastore"
	"tablestage/internal/host"
	"tablestage/internal/sheet"
)

const nothingToClear = "nothing to clear"

type PurgeResult struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Entries int    `json:"entries"`
	Cleared int    `json:"cleared"`
	Message string `json:"message"`
}

// ParseRange reads an inclusive entry range from user input.
func ParseRange(start, end string) (int, int, error) {
	s, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: start %q is not a number", ErrInvalidRange, start)
	}
	e, err := strconv.Atoi(strings.TrimSpace(end))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: end %q is not a number", ErrInvalidRange, end)
	}
	if s < 0 || e < 0 {
		return 0, 0, fmt.Errorf("%w: indices must not be negative", ErrInvalidRange)
	}
	if s > e {
		return 0, 0, fmt.Errorf("%w: start %d is after end %d", ErrInvalidRange, s, e)
	}
	return s, e, nil
}

type capturedFields struct {
	entry  *host.Entry
	fields map[string]json.RawMessage
}

// PurgeRange removes every tool-owned field from entries start..end
// inclusive, clamped to the transcript. It shares the commit guard.
func (e *Engine) PurgeRange(ctx context.Context, start, end int) (PurgeResult, error) {
	if start > end {
		return PurgeResult{}, fmt.Errorf("%w: start %d is after end %d", ErrInvalidRange, start, end)
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		e.notifier.Warn("A save is already in progress.")
		return PurgeResult{}, ErrCommitInFlight
	}
	defer e.inFlight.Store(false)

	chat, ok := host.Chat(e.host)
	if !ok {
		return PurgeResult{}, ErrNoChat
	}
	if start < 0 {
		start = 0
	}
	if end > len(chat)-1 {
		end = len(chat) - 1
	}
	whole := start == 0 && end == len(chat)-1
	result := PurgeResult{Start: start, End: end, Message: nothingToClear}
	if start > end {
		return result, nil
	}

	var captured []capturedFields
	for i := start; i <= end; i++ {
		entry := chat[i]
		if entry == nil || !entry.HasToolFields() {
			continue
		}
		c := capturedFields{entry: entry, fields: make(map[string]json.RawMessage)}
		for _, f := range host.ToolFields {
			if v, ok := entry.Field(f); ok {
				c.fields[f] = v
			}
		}
		result.Cleared += entry.StripToolFields()
		result.Entries++
		captured = append(captured, c)
	}
	if result.Cleared == 0 {
		return result, nil
	}

	if err := e.persistEntries(ctx); err != nil {
		for _, c := range captured {
			for name, v := range c.fields {
				c.entry.RestoreField(name, v, true)
			}
		}
		e.log.WithError(err).Error("purge failed")
		e.notifier.Error(fmt.Sprintf("Clearing table data failed: %v", err))
		return PurgeResult{}, &WriteError{Floor: start, Err: err}
	}
	purgedFields.Add(float64(result.Cleared))

	e.refreshAfterPurge(ctx)
	e.store.Suppress(e.suppressWindow)
	if whole && e.history != nil {
		if err := e.history.Clear(ctx, e.store.Scope()); err != nil {
			e.log.WithError(err).Warn("clear row history after purge")
		}
	}

	result.Message = fmt.Sprintf("cleared %d field(s) from %d entr(ies)", result.Cleared, result.Entries)
	e.log.WithFields(logrus.Fields{"start": start, "end": end, "cleared": result.Cleared}).Info("table data purged")
	e.notifier.Info(fmt.Sprintf("Cleared table data from messages #%d to #%d.", start, end))
	e.resync(ctx)
	return result, nil
}

// refreshAfterPurge reloads the store from the host's current tables, or
// empties it when the host has none left.
func (e *Engine) refreshAfterPurge(ctx context.Context) {
	exporter, ok := e.host.(host.TableExporter)
	if !ok {
		e.store.Reset(ctx)
		return
	}
	raw, err := exporter.ExportCurrentTables(ctx)
	if err != nil {
		e.log.WithError(err).Warn("export after purge failed")
		e.store.Reset(ctx)
		return
	}
	if err := e.store.Refresh(ctx, sheet.ParseRaw(raw)); err != nil {
		if !errors.Is(err, datastore.ErrNoData) {
			e.log.WithError(err).Warn("refresh after purge failed")
		}
		e.store.Reset(ctx)
	}
}
