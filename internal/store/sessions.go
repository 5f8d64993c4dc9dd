package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/indexswap/internal/failure"
)

type Status string

const (
	StatusIdle       Status = "Idle"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusError      Status = "Error"
	StatusStopped    Status = "Stopped"
	StatusTimedOut   Status = "Timed Out"
)

// Terminal reports whether no orchestrator write may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped, StatusTimedOut:
		return true
	}
	return false
}

var (
	ErrNotFound = failure.New(failure.NotFound, "", "Session not found")
	ErrExpired  = failure.New(failure.SessionExpired, "", "Session expired")
	ErrConflict = failure.New(failure.Conflict, "", "Session status changed")
)

// Module is one requested index change.
type Module struct {
	OldIndex   string   `json:"old_index"`
	NewIndexes []string `json:"new_indexes"`
	Swapped    bool     `json:"swapped"`
	Message    string   `json:"message"`
}

type Session struct {
	ID                string     `json:"session_id"`
	Username          string     `json:"username"`
	EncryptedPassword string     `json:"-"`
	NumModules        int        `json:"num_modules"`
	Status            Status     `json:"swap_status"`
	Message           string     `json:"swap_message"`
	Modules           []Module   `json:"modules"`
	StartedAt         *time.Time `json:"swap_started_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
}

// Expired reports whether the absolute TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Update is a partial write. Zero fields are left untouched; a nil Modules
// slice keeps the stored list. IfStatus, when set, turns the write into a
// compare-and-set that fails with ErrConflict if the stored status differs.
type Update struct {
	Status    Status
	Message   *string
	Modules   []Module
	StartedAt *time.Time
	IfStatus  Status
}

// NewSessionID returns 32 random bytes encoded as unpadded base64url.
func NewSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateSession stores a new Idle session that expires TTL from now.
func (s *Store) CreateSession(ctx context.Context, username, encryptedPassword string, numModules int) (*Session, error) {
	id, err := NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := s.now().Truncate(time.Second)
	sess := &Session{
		ID:                id,
		Username:          username,
		EncryptedPassword: encryptedPassword,
		NumModules:        numModules,
		Status:            StatusIdle,
		Modules:           []Module{},
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if err := s.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Put writes the full record, replacing any existing one with the same id.
func (s *Store) Put(ctx context.Context, sess *Session) error {
	modules, err := encodeModules(sess.Modules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, username, encrypted_password, num_modules, swap_status, swap_message, modules, swap_started_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			encrypted_password = excluded.encrypted_password,
			num_modules = excluded.num_modules,
			swap_status = excluded.swap_status,
			swap_message = excluded.swap_message,
			modules = excluded.modules,
			swap_started_at = excluded.swap_started_at,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		sess.ID, sess.Username, sess.EncryptedPassword, sess.NumModules,
		string(sess.Status), sess.Message, modules, unixOrNil(sess.StartedAt),
		sess.CreatedAt.Unix(), sess.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Get loads a session. An expired record is deleted and ErrExpired returned.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, encrypted_password, num_modules, swap_status, swap_message, modules, swap_started_at, created_at, expires_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess.Expired(s.now()) {
		if err := s.Delete(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}
	return sess, nil
}

// Update applies u atomically. It never extends the session's expiry.
func (s *Store) Update(ctx context.Context, id string, u Update) error {
	var (
		sets []string
		args []any
	)
	if u.Status != "" {
		sets = append(sets, "swap_status = ?")
		args = append(args, string(u.Status))
	}
	if u.Message != nil {
		sets = append(sets, "swap_message = ?")
		args = append(args, *u.Message)
	}
	if u.Modules != nil {
		modules, err := encodeModules(u.Modules)
		if err != nil {
			return err
		}
		sets = append(sets, "modules = ?")
		args = append(args, modules)
	}
	if u.StartedAt != nil {
		sets = append(sets, "swap_started_at = ?")
		args = append(args, u.StartedAt.Unix())
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ? AND expires_at > ?"
	args = append(args, id, s.now().Unix())
	if u.IfStatus != "" {
		query += " AND swap_status = ?"
		args = append(args, string(u.IfStatus))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: report why.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns all stored sessions, including expired ones not yet purged.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, encrypted_password, num_modules, swap_status, swap_message, modules, swap_started_at, created_at, expires_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ListExpired returns ids of sessions whose expiry is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeExpired deletes every session expired at now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess      Session
		status    string
		modules   string
		startedAt sql.NullInt64
		createdAt int64
		expiresAt int64
	)
	if err := row.Scan(&sess.ID, &sess.Username, &sess.EncryptedPassword, &sess.NumModules,
		&status, &sess.Message, &modules, &startedAt, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	if err := json.Unmarshal([]byte(modules), &sess.Modules); err != nil {
		return nil, fmt.Errorf("decode modules: %w", err)
	}
	if sess.Modules == nil {
		sess.Modules = []Module{}
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		sess.StartedAt = &t
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return &sess, nil
}

func encodeModules(modules []Module) (string, error) {
	if modules == nil {
		modules = []Module{}
	}
	data, err := json.Marshal(modules)
	if err != nil {
		return "", fmt.Errorf("encode modules: %w", err)
	}
	return string(data), nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
