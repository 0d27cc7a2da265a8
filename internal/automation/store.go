package automation

import (
	"context"
	"errors"
	"sort"

	"github.com/storekit/automation/internal/memstore"
)

// RuleStore abstracts persistence for rule definitions. The engine
// keeps its own trigger index; the store is the system of record.
type RuleStore interface {
	Create(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Rule, error)
}

// RecordStore abstracts persistence for execution records.
type RecordStore interface {
	Create(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, id string) (*ExecutionRecord, error)
	// ListByRule returns up to limit records for the rule, most
	// recent first. limit <= 0 means no limit.
	ListByRule(ctx context.Context, ruleID string, limit int) ([]*ExecutionRecord, error)
}

// MemoryRuleStore stores rules in memory.
type MemoryRuleStore struct {
	store *memstore.Store[*Rule]
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		store: memstore.New(func(r *Rule) string { return r.ID }),
	}
}

func (s *MemoryRuleStore) Create(ctx context.Context, rule *Rule) error {
	return s.store.Set(ctx, rule)
}

func (s *MemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, memstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *MemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	if !s.store.Has(ctx, rule.ID) {
		return ErrNotFound
	}
	return s.store.Set(ctx, rule)
}

func (s *MemoryRuleStore) Delete(ctx context.Context, id string) error {
	err := s.store.Delete(ctx, id)
	if errors.Is(err, memstore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *MemoryRuleStore) List(ctx context.Context) ([]*Rule, error) {
	rules, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].seq < rules[j].seq })
	return rules, nil
}

// MemoryRecordStore stores execution records in memory.
type MemoryRecordStore struct {
	store *memstore.Store[*ExecutionRecord]
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		store: memstore.New(func(r *ExecutionRecord) string { return r.ID }),
	}
}

func (s *MemoryRecordStore) Create(ctx context.Context, rec *ExecutionRecord) error {
	return s.store.Set(ctx, rec)
}

func (s *MemoryRecordStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	r, err := s.store.Get(ctx, id)
	if errors.Is(err, memstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *MemoryRecordStore) ListByRule(ctx context.Context, ruleID string, limit int) ([]*ExecutionRecord, error) {
	records, err := s.store.Filter(ctx, func(r *ExecutionRecord) bool {
		return r.RuleID == ruleID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
