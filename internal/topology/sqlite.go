package topology

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteRepository is the embedded-relational-file Repository
// implementation: single file, WAL journaling, foreign-key enforcement,
// and one pooled connection, so statements from this process run one at a
// time.
type SQLiteRepository struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. The schema's statements are all idempotent (CREATE ... IF NOT
// EXISTS), so re-applying on every open is safe and needs no separate
// migration-version bookkeeping.
func Open(path string) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &RepoError{Op: "open", Err: err}
	}
	// modernc.org/sqlite serializes writers internally; a single connection
	// avoids "database is locked" errors under WAL with concurrent writers
	// from this process. Reads share that one connection too, so they do
	// not run concurrently with each other or with writes.
	db.SetMaxOpenConns(1)

	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, &RepoError{Op: "apply schema", Err: err}
		}
	}

	return &SQLiteRepository{db: db}, nil
}

func splitStatements(schema string) []string {
	parts := strings.Split(schema, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *SQLiteRepository) Close() error {
	if err := r.db.Close(); err != nil {
		return &RepoError{Op: "close", Err: err}
	}
	return nil
}

// GetChannelLink is the hot path lookup over the (platform, native_id)
// unique index.
func (r *SQLiteRepository) GetChannelLink(ctx context.Context, platform, nativeID string) (*Link, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT c.bridge_id, b.status
		FROM channels c JOIN bridges b ON b.id = c.bridge_id
		WHERE c.platform = ? AND c.native_id = ?`, platform, nativeID)

	var link Link
	var status string
	if err := row.Scan(&link.BridgeID, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &RepoError{Op: "get channel link", Err: err}
	}
	link.Status = Status(status)
	return &link, nil
}

// GetBridgeTopology always returns a non-nil slice, empty on error or when
// the bridge has no channels.
func (r *SQLiteRepository) GetBridgeTopology(ctx context.Context, bridgeID string) []ChannelLink {
	rows, err := r.db.QueryContext(ctx, `
		SELECT platform, native_id, config, added_at
		FROM channels WHERE bridge_id = ?
		ORDER BY added_at, native_id`, bridgeID)
	if err != nil {
		return []ChannelLink{}
	}
	defer rows.Close()

	links := []ChannelLink{}
	for rows.Next() {
		var (
			platform, nativeID, configJSON string
			addedAtMs                      int64
		)
		if err := rows.Scan(&platform, &nativeID, &configJSON, &addedAtMs); err != nil {
			return []ChannelLink{}
		}
		links = append(links, ChannelLink{
			BridgeID: bridgeID,
			Platform: platform,
			NativeID: nativeID,
			Config:   decodeConfig(configJSON),
			AddedAt:  time.UnixMilli(addedAtMs),
		})
	}
	if rows.Err() != nil {
		return []ChannelLink{}
	}
	return links
}

func decodeConfig(raw string) map[string]string {
	cfg := map[string]string{}
	_ = json.Unmarshal([]byte(raw), &cfg)
	return cfg
}

func (r *SQLiteRepository) CreateBridge(ctx context.Context, name string) (string, error) {
	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bridges (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		id, name, string(StatusOn), time.Now().UnixMilli())
	if err != nil {
		return "", &RepoError{Op: "create bridge", Err: err}
	}
	return id, nil
}

func (r *SQLiteRepository) UpdateBridgeStatus(ctx context.Context, bridgeID string, status Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE bridges SET status = ? WHERE id = ?`, string(status), bridgeID)
	if err != nil {
		return &RepoError{Op: "update bridge status", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &RepoError{Op: "update bridge status", Err: err}
	}
	if n == 0 {
		return &RepoError{Op: "update bridge status", Err: ErrNotFound}
	}
	return nil
}

func (r *SQLiteRepository) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, status, created_at FROM bridges WHERE id = ?`, bridgeID)
	var (
		b         Bridge
		status    string
		createdAt int64
	)
	if err := row.Scan(&b.ID, &b.Name, &status, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &RepoError{Op: "get bridge", Err: err}
	}
	b.Status = Status(status)
	b.CreatedAt = time.UnixMilli(createdAt)
	return &b, nil
}

func (r *SQLiteRepository) ListBridges(ctx context.Context) ([]Bridge, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, status, created_at FROM bridges ORDER BY created_at`)
	if err != nil {
		return nil, &RepoError{Op: "list bridges", Err: err}
	}
	defer rows.Close()

	var out []Bridge
	for rows.Next() {
		var (
			b         Bridge
			status    string
			createdAt int64
		)
		if err := rows.Scan(&b.ID, &b.Name, &status, &createdAt); err != nil {
			return nil, &RepoError{Op: "list bridges", Err: err}
		}
		b.Status = Status(status)
		b.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &RepoError{Op: "list bridges", Err: err}
	}
	return out, nil
}

// LinkChannelToBridge upserts on (platform, native_id): relinking an
// already-linked channel moves it between bridges, so a (platform,
// nativeId) pair belongs to at most one bridge.
func (r *SQLiteRepository) LinkChannelToBridge(ctx context.Context, link ChannelLink) error {
	configJSON, err := json.Marshal(link.Config)
	if err != nil {
		return &RepoError{Op: "link channel", Err: err}
	}
	id := uuid.New().String()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO channels (id, bridge_id, platform, native_id, config, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, native_id) DO UPDATE SET
			bridge_id = excluded.bridge_id,
			config    = excluded.config,
			added_at  = excluded.added_at`,
		id, link.BridgeID, link.Platform, link.NativeID, string(configJSON), time.Now().UnixMilli())
	if err != nil {
		return &RepoError{Op: "link channel", Err: err}
	}
	return nil
}

func (r *SQLiteRepository) UnlinkChannel(ctx context.Context, platform, nativeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE platform = ? AND native_id = ?`, platform, nativeID)
	if err != nil {
		return &RepoError{Op: "unlink channel", Err: err}
	}
	return nil
}

func (r *SQLiteRepository) GetKV(ctx context.Context, key string) (string, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, &RepoError{Op: "get kv", Err: err}
	}
	return value, true, nil
}

func (r *SQLiteRepository) SetKV(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &RepoError{Op: "set kv", Err: err}
	}
	return nil
}

func (r *SQLiteRepository) DeleteKV(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	if err != nil {
		return &RepoError{Op: "delete kv", Err: err}
	}
	return nil
}
