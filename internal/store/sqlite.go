package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_versions (
    room_id  TEXT PRIMARY KEY,
    version  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
    call_id    TEXT NOT NULL,
    device_id  TEXT NOT NULL,
    room_id    TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    role       TEXT NOT NULL,
    joined_at  INTEGER NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (call_id, device_id)
);

CREATE TABLE IF NOT EXISTS devices (
    device_id  TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    bound_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rekeys (
    room_id       TEXT NOT NULL,
    epoch         INTEGER NOT NULL,
    begin_msg_id  TEXT NOT NULL,
    initiator     TEXT NOT NULL,
    expires_at    INTEGER NOT NULL,
    PRIMARY KEY (room_id, epoch)
);

CREATE TABLE IF NOT EXISTS rekey_need (
    room_id    TEXT NOT NULL,
    epoch      INTEGER NOT NULL,
    device_id  TEXT NOT NULL,
    PRIMARY KEY (room_id, epoch, device_id),
    FOREIGN KEY (room_id, epoch) REFERENCES rekeys(room_id, epoch) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS rekey_acks (
    room_id    TEXT NOT NULL,
    epoch      INTEGER NOT NULL,
    device_id  TEXT NOT NULL,
    PRIMARY KEY (room_id, epoch, device_id),
    FOREIGN KEY (room_id, epoch) REFERENCES rekeys(room_id, epoch) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS routes (
    msg_id      TEXT PRIMARY KEY,
    device_id   TEXT NOT NULL,
    expires_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_routes_expires ON routes(expires_at);

CREATE TABLE IF NOT EXISTS mailbox (
    user_id     TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    msg_id      TEXT NOT NULL,
    envelope    BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, device_id, msg_id)
);

CREATE INDEX IF NOT EXISTS idx_mailbox_device ON mailbox(user_id, device_id, created_at);
`

// SQLite is the durable store. Membership and mailbox survive restarts so a
// KEY_PACKAGE for an offline device is not lost.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps quorum transactions serialized without SQLITE_BUSY
	// retries.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetRoomVersion(ctx context.Context, roomID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM room_versions WHERE room_id = ?`, roomID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get room version: %w", err)
	}
	return v, nil
}

func (s *SQLite) BumpRoomVersion(ctx context.Context, roomID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO room_versions (room_id, version) VALUES (?, 1)
		ON CONFLICT(room_id) DO UPDATE SET version = version + 1
		RETURNING version`, roomID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("bump room version: %w", err)
	}
	return v, nil
}

func (s *SQLite) BindDevice(ctx context.Context, deviceID, userID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO devices (device_id, user_id, bound_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET device_id = device_id
		RETURNING user_id`, deviceID, userID, time.Now().UnixMilli()).Scan(&owner)
	if err != nil {
		return fmt.Errorf("bind device: %w", err)
	}
	if owner != userID {
		return ErrDeviceOwned
	}
	return nil
}

func (s *SQLite) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM devices WHERE device_id = ?`, deviceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("device owner: %w", err)
	}
	return owner, nil
}

func (s *SQLite) AddMember(ctx context.Context, m Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (call_id, device_id, room_id, user_id, role, joined_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(call_id, device_id) DO UPDATE SET
			room_id = excluded.room_id,
			user_id = excluded.user_id,
			role = excluded.role,
			joined_at = excluded.joined_at,
			expires_at = 0`,
		m.CallID, m.DeviceID, m.RoomID, m.UserID, m.Role, m.JoinedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *SQLite) RemoveMember(ctx context.Context, callID, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE call_id = ? AND device_id = ?`, callID, deviceID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *SQLite) DetachMember(ctx context.Context, callID, deviceID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members SET expires_at = ? WHERE call_id = ? AND device_id = ?`,
		until.UnixMilli(), callID, deviceID)
	if err != nil {
		return fmt.Errorf("detach member: %w", err)
	}
	return nil
}

func (s *SQLite) AssertMember(ctx context.Context, callID, deviceID string, now time.Time) (Member, error) {
	m := Member{CallID: callID, DeviceID: deviceID}
	var joined, expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, user_id, role, joined_at, expires_at FROM members WHERE call_id = ? AND device_id = ?`,
		callID, deviceID).Scan(&m.RoomID, &m.UserID, &m.Role, &joined, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, ErrNotMember
	}
	if err != nil {
		return Member{}, fmt.Errorf("assert member: %w", err)
	}
	m.JoinedAt = time.UnixMilli(joined)
	if expires > 0 {
		m.ExpiresAt = time.UnixMilli(expires)
	}
	if !m.live(now) {
		return Member{}, ErrNotMember
	}
	return m, nil
}

func (s *SQLite) PruneMembers(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE expires_at > 0 AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune members: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) SetRekeyBegin(ctx context.Context, b RekeyBegin) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rekeys WHERE room_id = ? AND epoch = ?`, b.RoomID, b.Epoch); err != nil {
		return fmt.Errorf("clear rekey: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rekeys (room_id, epoch, begin_msg_id, initiator, expires_at) VALUES (?, ?, ?, ?, ?)`,
		b.RoomID, b.Epoch, b.BeginMsgID, b.Initiator, unixMilliOrZero(b.ExpiresAt)); err != nil {
		return fmt.Errorf("insert rekey: %w", err)
	}
	for _, d := range b.Need {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO rekey_need (room_id, epoch, device_id) VALUES (?, ?, ?)`,
			b.RoomID, b.Epoch, d); err != nil {
			return fmt.Errorf("insert need: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rekey begin: %w", err)
	}
	return nil
}

func (s *SQLite) GetRekeyBegin(ctx context.Context, roomID string, epoch int64) (RekeyState, error) {
	return loadRekey(ctx, s.db, roomID, epoch)
}

func (s *SQLite) MarkAck(ctx context.Context, roomID string, epoch int64, beginMsgID, deviceID string) (RekeyState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RekeyState{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := loadRekey(ctx, tx, roomID, epoch)
	if err != nil {
		return RekeyState{}, err
	}
	if st.BeginMsgID != beginMsgID || !contains(st.Need, deviceID) {
		return RekeyState{}, ErrStaleAck
	}
	// Compare-and-set on the begin id and need row.
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO rekey_acks (room_id, epoch, device_id)
		SELECT r.room_id, r.epoch, n.device_id
		FROM rekeys r
		JOIN rekey_need n ON n.room_id = r.room_id AND n.epoch = r.epoch AND n.device_id = ?
		WHERE r.room_id = ? AND r.epoch = ? AND r.begin_msg_id = ?`,
		deviceID, roomID, epoch, beginMsgID)
	if err != nil {
		return RekeyState{}, fmt.Errorf("insert ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && !contains(st.Ack, deviceID) {
		return RekeyState{}, ErrStaleAck
	}
	if err := tx.Commit(); err != nil {
		return RekeyState{}, fmt.Errorf("commit ack: %w", err)
	}
	if !contains(st.Ack, deviceID) {
		st.Ack = append(st.Ack, deviceID)
		sort.Strings(st.Ack)
	}
	return st, nil
}

func (s *SQLite) TryCommit(ctx context.Context, roomID string, epoch int64, now time.Time) (CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := loadRekey(ctx, tx, roomID, epoch)
	if errors.Is(err, ErrNotFound) {
		return CommitResult{Reason: ReasonNoRekey}, nil
	}
	if err != nil {
		return CommitResult{}, err
	}
	res := CommitResult{BeginMsgID: st.BeginMsgID, Need: st.Need, Ack: st.Ack, Missing: st.Missing()}
	expired := !st.ExpiresAt.IsZero() && !now.Before(st.ExpiresAt)
	switch {
	case expired:
		res.Reason = ReasonExpired
	case len(res.Missing) > 0:
		res.Reason = ReasonQuorumNotMet
		return res, nil
	default:
		res.OK = true
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rekeys WHERE room_id = ? AND epoch = ?`, roomID, epoch); err != nil {
		return CommitResult{}, fmt.Errorf("consume rekey: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit quorum: %w", err)
	}
	return res, nil
}

func (s *SQLite) AbortRekey(ctx context.Context, roomID string, epoch int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rekeys WHERE room_id = ? AND epoch = ?`, roomID, epoch)
	if err != nil {
		return fmt.Errorf("abort rekey: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DropFromNeed(ctx context.Context, roomID, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rekey_need WHERE room_id = ? AND device_id = ?`, roomID, deviceID); err != nil {
		return fmt.Errorf("drop need: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rekey_acks WHERE room_id = ? AND device_id = ?`, roomID, deviceID); err != nil {
		return fmt.Errorf("drop ack: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) PruneRekeys(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rekeys WHERE expires_at > 0 AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune rekeys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return 0, fmt.Errorf("prune routes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) PendingRekeys(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rekeys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rekeys: %w", err)
	}
	return n, nil
}

func (s *SQLite) SaveRoute(ctx context.Context, msgID, deviceID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (msg_id, device_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET device_id = excluded.device_id, expires_at = excluded.expires_at`,
		msgID, deviceID, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save route: %w", err)
	}
	return nil
}

func (s *SQLite) GetRoute(ctx context.Context, msgID string, now time.Time) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id FROM routes WHERE msg_id = ? AND expires_at > ?`, msgID, now.UnixMilli()).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get route: %w", err)
	}
	return deviceID, nil
}

func (s *SQLite) MailboxDeliver(ctx context.Context, userID, deviceID string, msg MailboxMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mailbox (user_id, device_id, msg_id, envelope, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, deviceID, msg.MsgID, msg.Envelope, msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("mailbox deliver: %w", err)
	}
	return nil
}

func (s *SQLite) MailboxSync(ctx context.Context, userID, deviceID string, limit int) ([]MailboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT msg_id, envelope, created_at FROM mailbox
		WHERE user_id = ? AND device_id = ? ORDER BY created_at, rowid LIMIT ?`, userID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("mailbox sync: %w", err)
	}
	defer rows.Close()

	var out []MailboxMessage
	for rows.Next() {
		var msg MailboxMessage
		var created int64
		if err := rows.Scan(&msg.MsgID, &msg.Envelope, &created); err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLite) MailboxAck(ctx context.Context, userID, deviceID string, msgIDs []string) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(msgIDs)+2)
	args = append(args, userID, deviceID)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	res, err := s.db.ExecContext(ctx, `DELETE FROM mailbox WHERE user_id = ? AND device_id = ? AND msg_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("mailbox ack: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRekey(ctx context.Context, q queryer, roomID string, epoch int64) (RekeyState, error) {
	st := RekeyState{RekeyBegin: RekeyBegin{RoomID: roomID, Epoch: epoch}}
	var expires int64
	err := q.QueryRowContext(ctx, `
		SELECT begin_msg_id, initiator, expires_at FROM rekeys WHERE room_id = ? AND epoch = ?`,
		roomID, epoch).Scan(&st.BeginMsgID, &st.Initiator, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return RekeyState{}, ErrNotFound
	}
	if err != nil {
		return RekeyState{}, fmt.Errorf("load rekey: %w", err)
	}
	if expires > 0 {
		st.ExpiresAt = time.UnixMilli(expires)
	}
	if st.Need, err = deviceColumn(ctx, q, `SELECT device_id FROM rekey_need WHERE room_id = ? AND epoch = ? ORDER BY device_id`, roomID, epoch); err != nil {
		return RekeyState{}, err
	}
	if st.Ack, err = deviceColumn(ctx, q, `SELECT device_id FROM rekey_acks WHERE room_id = ? AND epoch = ? ORDER BY device_id`, roomID, epoch); err != nil {
		return RekeyState{}, err
	}
	return st, nil
}

func deviceColumn(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
