// Package sqlite provides SQLite-based persistent storage for meshd routing
// outcomes. Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/meshd/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS proxies (
			id                TEXT PRIMARY KEY,
			tier              TEXT NOT NULL,
			ip                TEXT NOT NULL,
			port              INTEGER NOT NULL,
			latitude          REAL NOT NULL,
			longitude         REAL NOT NULL,
			capacity          INTEGER NOT NULL,
			latency_target_ms REAL NOT NULL,
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_tier ON proxies(tier)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			decision_id TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			primary_id  TEXT NOT NULL DEFAULT '',
			geo_targets TEXT NOT NULL DEFAULT '',
			degraded    BOOLEAN NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_session ON sessions(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,

		`CREATE TABLE IF NOT EXISTS replicas (
			decision_id TEXT NOT NULL REFERENCES sessions(decision_id) ON DELETE CASCADE,
			rank        INTEGER NOT NULL,
			node_id     TEXT NOT NULL,
			PRIMARY KEY (decision_id, rank)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replicas_node ON replicas(node_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// ─── Proxies ────────────────────────────────────────────────────────────────

// UpsertProxies records the mesh membership in one transaction.
func (d *DB) UpsertProxies(nodes []*domain.ProxyNode) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO proxies (id, tier, ip, port, latitude, longitude, capacity, latency_target_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tier=excluded.tier, ip=excluded.ip, port=excluded.port,
		   latitude=excluded.latitude, longitude=excluded.longitude,
		   capacity=excluded.capacity, latency_target_ms=excluded.latency_target_ms,
		   updated_at=excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare upsert proxy: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, n := range nodes {
		if _, err := stmt.Exec(n.ID, string(n.Tier), n.IP, n.Port,
			n.Location.Latitude, n.Location.Longitude,
			n.Capacity, n.LatencyTargetMs, now,
		); err != nil {
			return fmt.Errorf("upsert proxy %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteProxy removes a proxy row.
func (d *DB) DeleteProxy(id string) error {
	result, err := d.db.Exec(`DELETE FROM proxies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownNode, id)
	}
	return nil
}

// ListProxies returns every stored proxy ordered by id. Load is not
// persisted and reads as zero.
func (d *DB) ListProxies() ([]domain.NodeView, error) {
	rows, err := d.db.Query(
		`SELECT id, tier, ip, port, latitude, longitude, capacity, latency_target_ms
		 FROM proxies ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var out []domain.NodeView
	for rows.Next() {
		var v domain.NodeView
		var tier string
		if err := rows.Scan(&v.ID, &tier, &v.IP, &v.Port,
			&v.Location.Latitude, &v.Location.Longitude,
			&v.Capacity, &v.LatencyTargetMs,
		); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		v.Tier = domain.Tier(tier)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ─── Placements ─────────────────────────────────────────────────────────────

// RecordPlacement stores one routing outcome and its ranked replicas.
func (d *DB) RecordPlacement(rec domain.PlacementRecord) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (decision_id, session_id, primary_id, geo_targets, degraded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.DecisionID, rec.SessionID, rec.PrimaryID,
		joinRegions(rec.GeoTargets), rec.Degraded, rec.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for rank, id := range rec.ReplicaIDs {
		if _, err := tx.Exec(
			`INSERT INTO replicas (decision_id, rank, node_id) VALUES (?, ?, ?)`,
			rec.DecisionID, rank, id,
		); err != nil {
			return fmt.Errorf("insert replica: %w", err)
		}
	}
	return tx.Commit()
}

// GetPlacement returns the most recent outcome recorded for a session.
func (d *DB) GetPlacement(sessionID string) (*domain.PlacementRecord, error) {
	row := d.db.QueryRow(
		`SELECT decision_id, session_id, primary_id, geo_targets, degraded, created_at
		 FROM sessions WHERE session_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID,
	)
	rec, err := scanPlacement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if err := d.loadReplicas(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPlacements returns up to limit outcomes, newest first.
func (d *DB) ListPlacements(limit int) ([]domain.PlacementRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT decision_id, session_id, primary_id, geo_targets, degraded, created_at
		 FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list placements: %w", err)
	}

	var out []domain.PlacementRecord
	for rows.Next() {
		rec, err := scanPlacement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Replicas are loaded after the cursor is closed; the pool has a single
	// connection.
	for i := range out {
		if err := d.loadReplicas(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PrunePlacements deletes outcomes recorded before cutoff and returns how
// many were removed. Replica rows follow through the foreign key.
func (d *DB) PrunePlacements(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec(`DELETE FROM sessions WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune placements: %w", err)
	}
	return result.RowsAffected()
}

func (d *DB) loadReplicas(rec *domain.PlacementRecord) error {
	rows, err := d.db.Query(
		`SELECT node_id FROM replicas WHERE decision_id = ? ORDER BY rank`,
		rec.DecisionID,
	)
	if err != nil {
		return fmt.Errorf("load replicas: %w", err)
	}
	defer rows.Close()

	rec.ReplicaIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan replica: %w", err)
		}
		rec.ReplicaIDs = append(rec.ReplicaIDs, id)
	}
	return rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanPlacement(s scanner) (*domain.PlacementRecord, error) {
	var rec domain.PlacementRecord
	var targets string
	var created int64
	if err := s.Scan(&rec.DecisionID, &rec.SessionID, &rec.PrimaryID, &targets, &rec.Degraded, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan placement: %w", err)
	}
	rec.GeoTargets = splitRegions(targets)
	rec.CreatedAt = time.UnixMilli(created)
	return &rec, nil
}

func joinRegions(ids []domain.RegionID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func splitRegions(s string) []domain.RegionID {
	if s == "" {
		return []domain.RegionID{}
	}
	parts := strings.Split(s, ",")
	out := make([]domain.RegionID, len(parts))
	for i, p := range parts {
		out[i] = domain.RegionID(p)
	}
	return out
}
