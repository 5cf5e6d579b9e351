package datastore

import (
	"context"
	"errors"

	"tablestage/internal/kv"
	"tablestage/internal/sheet"
)

type storedState struct {
	Staged   sheet.Map `json:"staged,omitempty"`
	Manual   []string  `json:"manual"`
	External []string  `json:"external"`
	Deletes  []string  `json:"deletes"`
	Unsaved  bool      `json:"unsaved"`
}

func (s *Store) baselineKey() string {
	return "baseline:" + s.scope
}

func (s *Store) stateKey() string {
	return "ui:" + s.scope
}

// SaveSnapshot stores data as the persisted baseline. Storage failures are
// logged and otherwise ignored.
func (s *Store) SaveSnapshot(ctx context.Context, data sheet.Map) {
	if s.kv == nil || data == nil {
		return
	}
	if err := kv.SetJSON(ctx, s.kv, s.baselineKey(), data); err != nil {
		s.log.WithError(err).Warn("save baseline snapshot")
	}
}

// LoadSnapshot reads the persisted baseline.
func (s *Store) LoadSnapshot(ctx context.Context) (sheet.Map, bool) {
	if s.kv == nil {
		return nil, false
	}
	var data sheet.Map
	if err := kv.GetJSON(ctx, s.kv, s.baselineKey(), &data); err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.log.WithError(err).Warn("load baseline snapshot")
		}
		return nil, false
	}
	return data, true
}

// Restore reloads the baseline and UI state persisted by an earlier process.
func (s *Store) Restore(ctx context.Context) bool {
	baseline, ok := s.LoadSnapshot(ctx)
	if !ok {
		return false
	}
	var st storedState
	if s.kv != nil {
		if err := kv.GetJSON(ctx, s.kv, s.stateKey(), &st); err != nil && !errors.Is(err, kv.ErrNotFound) {
			s.log.WithError(err).Warn("load ui state")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = baseline
	s.staged = st.Staged
	if s.staged == nil {
		s.staged = baseline.Clone()
	}
	s.manual = sheet.NewMarkerSet(st.Manual...)
	s.external = sheet.NewMarkerSet(st.External...)
	s.deletes = sheet.NewMarkerSet(st.Deletes...)
	s.unsaved = st.Unsaved
	s.gen++
	return true
}

func (s *Store) persistBaseline(ctx context.Context) {
	s.SaveSnapshot(ctx, s.Baseline())
}

func (s *Store) persistState(ctx context.Context) {
	if s.kv == nil {
		return
	}
	s.mu.Lock()
	st := storedState{
		Staged:   s.staged.Clone(),
		Manual:   s.manual.Sorted(),
		External: s.external.Sorted(),
		Deletes:  s.deletes.Sorted(),
		Unsaved:  s.unsaved,
	}
	s.mu.Unlock()
	if err := kv.SetJSON(ctx, s.kv, s.stateKey(), st); err != nil {
		s.log.WithError(err).Warn("save ui state")
	}
}
