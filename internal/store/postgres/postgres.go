// Package postgres persists users, chats and messages in PostgreSQL through a
// pgx pool. Receipt sets are text[] columns appended to under a NOT ANY guard,
// so a concurrent duplicate receipt affects zero rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id        text PRIMARY KEY,
		name      text NOT NULL DEFAULT '',
		status    text NOT NULL DEFAULT 'offline',
		last_seen timestamptz
	)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id                text PRIMARY KEY,
		name              text NOT NULL DEFAULT '',
		users             text[] NOT NULL DEFAULT '{}',
		latest_message_id text
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id           text PRIMARY KEY,
		chat_id      text NOT NULL,
		sender_id    text NOT NULL,
		content      text NOT NULL,
		created_at   timestamptz NOT NULL,
		delivered_to text[] NOT NULL DEFAULT '{}',
		read_by      text[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS messages_chat_id_idx ON messages (chat_id, created_at DESC)`,
}

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open creates a pool for dsn, pings it and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
	}

	log.Info().Msg("PostgreSQL connection established successfully")
	return &Store{pool: pool}, nil
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = "offline"
	}
	var lastSeen *time.Time
	if !u.LastSeen.IsZero() {
		lastSeen = &u.LastSeen
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, status, last_seen) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.Status, lastSeen)
	if err != nil {
		return store.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (store.User, error) {
	var (
		u        store.User
		lastSeen *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, last_seen FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Status, &lastSeen)
	if err != nil {
		return store.User{}, notFound("user", id, err)
	}
	if lastSeen != nil {
		u.LastSeen = *lastSeen
	}
	return u, nil
}

func (s *Store) UpdatePresence(ctx context.Context, id, status string, lastSeen time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $2, last_seen = $3 WHERE id = $1`, id, status, lastSeen)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateChat(ctx context.Context, c store.Chat) (store.Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Users == nil {
		c.Users = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, name, users, latest_message_id) VALUES ($1, $2, $3, NULLIF($4, ''))`,
		c.ID, c.Name, c.Users, c.LatestMessageID)
	if err != nil {
		return store.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

func (s *Store) FindChat(ctx context.Context, id string) (store.Chat, error) {
	var c store.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, users, COALESCE(latest_message_id, '') FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Users, &c.LatestMessageID)
	if err != nil {
		return store.Chat{}, notFound("chat", id, err)
	}
	return c, nil
}

func (s *Store) SetLatestMessage(ctx context.Context, chatID, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET latest_message_id = $2 WHERE id = $1`, chatID, messageID)
	if err != nil {
		return fmt.Errorf("update latest message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.CreatedAt = m.CreatedAt.Truncate(time.Microsecond)
	if m.DeliveredTo == nil {
		m.DeliveredTo = []string{}
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, created_at, delivered_to, read_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.ChatID, m.SenderID, m.Content, m.CreatedAt, m.DeliveredTo, m.ReadBy)
	if err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *Store) FindMessage(ctx context.Context, id string) (store.Message, error) {
	var m store.Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, chat_id, sender_id, content, created_at, delivered_to, read_by
		FROM messages WHERE id = $1
	`, id).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt, &m.DeliveredTo, &m.ReadBy)
	if err != nil {
		return store.Message{}, notFound("message", id, err)
	}
	return m, nil
}

func (s *Store) AddDelivered(ctx context.Context, messageID, participantID string) (bool, error) {
	return s.setAdd(ctx, messageID, `
		UPDATE messages
		SET delivered_to = array_append(delivered_to, $2::text)
		WHERE id = $1 AND NOT ($2::text = ANY(delivered_to))
	`, participantID)
}

func (s *Store) AddRead(ctx context.Context, messageID, participantID string) (bool, error) {
	return s.setAdd(ctx, messageID, `
		UPDATE messages
		SET read_by = array_append(read_by, $2::text),
		    delivered_to = CASE WHEN $2::text = ANY(delivered_to)
		                        THEN delivered_to
		                        ELSE array_append(delivered_to, $2::text) END
		WHERE id = $1 AND NOT ($2::text = ANY(read_by))
	`, participantID)
}

func (s *Store) setAdd(ctx context.Context, messageID, query, participantID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, messageID, participantID)
	if err != nil {
		return false, fmt.Errorf("update receipts: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return false, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return fmt.Errorf("find %s: %w", kind, err)
}
