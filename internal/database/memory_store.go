package database

import (
	"context"
	"sort"
	"sync"

	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

// MemoryStore is an in-process opportunity store. It is the default when no
// database is configured and the backing store for CSV-driven runs.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*opportunity.Opportunity
	byKey map[opportunity.Key]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*opportunity.Opportunity),
		byKey: make(map[opportunity.Key]string),
	}
}

// Load seeds the store, e.g. from a CSV file. Existing keys are kept.
func (s *MemoryStore) Load(opps []*opportunity.Opportunity) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, o := range opps {
		if _, exists := s.byKey[o.Key()]; exists {
			continue
		}
		c := o.Clone()
		s.byID[c.ID] = c
		s.byKey[c.Key()] = c.ID
		added++
	}
	return added
}

// RecordIfQualifying stores the event unless its key exists.
func (s *MemoryStore) RecordIfQualifying(ctx context.Context, ev patterns.PatternEvent, target patterns.Target, periodValid bool) (*opportunity.Opportunity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	opp := opportunity.New(ev, target, periodValid)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byKey[opp.Key()]; exists {
		return s.byID[id].Clone(), false, nil
	}
	s.byID[opp.ID] = opp
	s.byKey[opp.Key()] = opp.ID
	return opp.Clone(), true, nil
}

// Get returns a copy of the opportunity with id
func (s *MemoryStore) Get(ctx context.Context, id string) (*opportunity.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, opportunity.ErrNotFound
	}
	return o.Clone(), nil
}

// ByStatus returns opportunities in any of the given statuses, oldest first.
// No statuses means all.
func (s *MemoryStore) ByStatus(ctx context.Context, statuses ...opportunity.Status) ([]*opportunity.Opportunity, error) {
	want := make(map[opportunity.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.filter(func(o *opportunity.Opportunity) bool {
		return len(want) == 0 || want[o.Status]
	}), nil
}

// BySymbolTimeframe returns every opportunity for the pair, oldest first.
func (s *MemoryStore) BySymbolTimeframe(ctx context.Context, symbol, timeframe string) ([]*opportunity.Opportunity, error) {
	return s.filter(func(o *opportunity.Opportunity) bool {
		return o.Symbol == symbol && o.Timeframe == timeframe
	}), nil
}

// All returns every opportunity, oldest first.
func (s *MemoryStore) All(ctx context.Context) ([]*opportunity.Opportunity, error) {
	return s.filter(func(*opportunity.Opportunity) bool { return true }), nil
}

// Update replaces the stored record after checking the transition.
func (s *MemoryStore) Update(ctx context.Context, opp *opportunity.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[opp.ID]
	if !ok {
		return opportunity.ErrNotFound
	}
	next := opp.Clone()
	if err := opportunity.MergeUpdate(current, next); err != nil {
		return err
	}
	s.byID[next.ID] = next
	return nil
}

// Len returns the number of stored opportunities
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *MemoryStore) filter(keep func(*opportunity.Opportunity) bool) []*opportunity.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*opportunity.Opportunity, 0)
	for _, o := range s.byID {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	SortOpportunities(out)
	return out
}

// SortOpportunities orders by creation time, then ID, so listings are stable.
func SortOpportunities(opps []*opportunity.Opportunity) {
	sort.Slice(opps, func(i, j int) bool {
		if !opps[i].CreatedAt.Equal(opps[j].CreatedAt) {
			return opps[i].CreatedAt.Before(opps[j].CreatedAt)
		}
		return opps[i].ID < opps[j].ID
	})
}
