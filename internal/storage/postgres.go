package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/enc/pkg/models"
)

// PostgresBackend is an AuditBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	if connStr == "" {
		return nil, ErrNotConfigured
	}
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	var sessionID any
	if entry.SessionID != "" {
		sessionID = entry.SessionID
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (timestamp, session_id, username, command, status, message, duration_ms, metadata)
		 VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8)`,
		entry.Timestamp, sessionID, entry.Username, entry.Command,
		entry.Status, entry.Message, entry.DurationMs, metaJSON,
	)
	return err
}

// buildAuditQuery renders the SELECT for filter with positional arguments.
func buildAuditQuery(filter AuditFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, timestamp, COALESCE(session_id::text, ''), username, command, status, message, duration_ms, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Username != "" {
		fmt.Fprintf(&query, ` AND username = $%d`, n)
		args = append(args, filter.Username)
		n++
	}
	if filter.SessionID != "" {
		fmt.Fprintf(&query, ` AND session_id = $%d::uuid`, n)
		args = append(args, filter.SessionID)
		n++
	}
	if filter.Command != "" {
		fmt.Fprintf(&query, ` AND command LIKE $%d`, n)
		args = append(args, filter.Command+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}
	return query.String(), args
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query, args := buildAuditQuery(filter)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.SessionID, &e.Username, &e.Command,
			&e.Status, &e.Message, &e.DurationMs, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
