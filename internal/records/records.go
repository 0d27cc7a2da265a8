// Package records implements the persistence collaborator behind the
// create_record and update_record actions. Records are opaque,
// string-keyed documents grouped by collection name.
package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storekit/automation/internal/db"
)

// ErrNotFound reports an update against a record that does not exist.
var ErrNotFound = errors.New("record not found")

// MemoryStore keeps domain records in memory, keyed by
// (collection, id).
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]map[string]any)}
}

func (s *MemoryStore) CreateRecord(_ context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]map[string]any)
	}
	s.collections[collection][id] = data
	return id, nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, collection, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range data {
		existing[k] = v
	}
	return nil
}

// GetRecord returns a record by collection and id.
func (s *MemoryStore) GetRecord(_ context.Context, collection, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return rec, nil
}

// PostgresStore persists domain records as JSONB rows.
type PostgresStore struct {
	db *db.DB
}

func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) CreateRecord(ctx context.Context, collection string, data map[string]any) (string, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	id := uuid.NewString()
	now := time.Now()
	_, err = s.db.Pool.ExecContext(ctx, `
		INSERT INTO domain_records (id, collection, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		id, collection, encoded, now)
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, collection, id string, data map[string]any) error {
	existing, err := s.GetRecord(ctx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range data {
		existing[k] = v
	}
	encoded, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	res, err := s.db.Pool.ExecContext(ctx, `
		UPDATE domain_records SET data = $3, updated_at = $4
		WHERE collection = $1 AND id = $2`,
		collection, id, encoded, time.Now())
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// GetRecord returns a record by collection and id.
func (s *PostgresStore) GetRecord(ctx context.Context, collection, id string) (map[string]any, error) {
	var encoded []byte
	err := s.db.Pool.QueryRowContext(ctx,
		`SELECT data FROM domain_records WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(encoded, &data); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return data, nil
}
