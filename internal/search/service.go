package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tablestage/internal/sheet"
)

// Service keeps the index in step with saved tables and answers queries,
// scanning the last synced rows itself when the index is down.
type Service struct {
	index Index
	log   logrus.FieldLogger

	mu      sync.Mutex
	indexed map[string]map[string]struct{}
	records map[string][]RowRecord
}

// NewService creates a search service. index may be nil when no search
// server is configured.
func NewService(index Index, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		index:   index,
		log:     logger.WithField("component", "search"),
		indexed: make(map[string]map[string]struct{}),
		records: make(map[string][]RowRecord),
	}
}

// Resync upserts every row of data for scope and removes rows indexed by an
// earlier resync that no longer exist. The first resync of a scope in this
// process clears the scope's documents first, since rows indexed by an
// earlier run are not tracked.
func (s *Service) Resync(ctx context.Context, scope string, data sheet.Map) error {
	records := Records(scope, data)

	s.mu.Lock()
	s.records[scope] = records
	previous, seen := s.indexed[scope]
	s.mu.Unlock()

	if s.index == nil {
		return nil
	}
	if !s.index.Healthy() {
		return ErrUnavailable
	}
	if !seen {
		if err := s.index.DeleteScope(scope); err != nil {
			return err
		}
	}
	if err := s.index.IndexRows(records); err != nil {
		return err
	}

	current := make(map[string]struct{}, len(records))
	for _, r := range records {
		current[r.ID] = struct{}{}
	}
	var stale []string
	for id := range previous {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.index.DeleteRow(id); err != nil {
			s.log.WithError(err).WithField("id", id).Warn("delete stale row")
			current[id] = struct{}{}
		}
	}

	s.mu.Lock()
	s.indexed[scope] = current
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"scope": scope, "rows": len(records), "removed": len(stale)}).Debug("knowledge base resynced")
	return nil
}

// Search queries the index if healthy, otherwise falls back to a scan.
func (s *Service) Search(q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("index search failed, scanning synced rows")
	}
	results := s.scan(q)
	return Response{Results: results, Total: len(results), Query: q.Text}
}

func (s *Service) scan(q Query) []Result {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scopes := make([]string, 0, len(s.records))
	for scope := range s.records {
		if q.ScopeID == "" || scope == q.ScopeID {
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)

	results := []Result{}
	for _, scope := range scopes {
		for _, r := range s.records[scope] {
			if q.SheetKey != "" && r.SheetKey != q.SheetKey {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(r.Text), needle) {
				continue
			}
			results = append(results, Result{
				ID:        r.ID,
				SheetKey:  r.SheetKey,
				SheetName: r.SheetName,
				RowKey:    r.RowKey,
				Snippet:   r.Text,
			})
			if len(results) == limit {
				return results
			}
		}
	}
	return results
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
