package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/storekit/automation/internal/db"
)

// PostgresRuleStore persists rules as JSONB rows. Name, enabled and
// priority are mirrored into columns for querying; the definition
// column is authoritative.
type PostgresRuleStore struct {
	db *db.DB
}

func NewPostgresRuleStore(database *db.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: database}
}

func (s *PostgresRuleStore) Create(ctx context.Context, rule *Rule) error {
	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	_, err = s.db.Pool.ExecContext(ctx, `
		INSERT INTO automation_rules (id, name, enabled, priority, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rule.ID, rule.Name, rule.Enabled, rule.Priority, definition, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	var definition []byte
	err := s.db.Pool.QueryRowContext(ctx,
		`SELECT definition FROM automation_rules WHERE id = $1`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select rule: %w", err)
	}
	return decodeRule(definition)
}

func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	res, err := s.db.Pool.ExecContext(ctx, `
		UPDATE automation_rules
		SET name = $2, enabled = $3, priority = $4, definition = $5, updated_at = $6
		WHERE id = $1`,
		rule.ID, rule.Name, rule.Enabled, rule.Priority, definition, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.Pool.ExecContext(ctx,
		`DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.Pool.QueryContext(ctx,
		`SELECT definition FROM automation_rules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule, err := decodeRule(definition)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func decodeRule(definition []byte) (*Rule, error) {
	var rule Rule
	if err := json.Unmarshal(definition, &rule); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	return &rule, nil
}

// PostgresRecordStore persists execution records as JSONB rows.
type PostgresRecordStore struct {
	db *db.DB
}

func NewPostgresRecordStore(database *db.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: database}
}

func (s *PostgresRecordStore) Create(ctx context.Context, rec *ExecutionRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}
	_, err = s.db.Pool.ExecContext(ctx, `
		INSERT INTO execution_records (id, rule_id, event, matched, dry_run, record, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.RuleID, rec.Event, rec.Matched, rec.DryRun, record, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	var record []byte
	err := s.db.Pool.QueryRowContext(ctx,
		`SELECT record FROM execution_records WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select execution record: %w", err)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return nil, fmt.Errorf("decode execution record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresRecordStore) ListByRule(ctx context.Context, ruleID string, limit int) ([]*ExecutionRecord, error) {
	query := `SELECT record FROM execution_records WHERE rule_id = $1 ORDER BY created_at DESC`
	args := []any{ruleID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		var rec ExecutionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode execution record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
