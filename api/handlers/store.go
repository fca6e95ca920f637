package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/floatchat-ai/floatchat/api/config"
)

var (
	errSessionNotFound = errors.New("session not found")
	errMessageNotFound = errors.New("message not found")
	errCursorNotFound  = errors.New("cursor message not in session")
)

// Session is a chat session row. Soft-deleted sessions never leave
// the store layer.
type Session struct {
	SessionID      uuid.UUID `json:"session_id"`
	UserIdentifier string    `json:"user_identifier,omitempty"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
}

// Message is a chat message row. ResultMetadata and FollowUps are
// stored as JSONB.
type Message struct {
	MessageID      uuid.UUID      `json:"message_id"`
	SessionID      uuid.UUID      `json:"session_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	NLQuery        string         `json:"nl_query,omitempty"`
	GeneratedSQL   string         `json:"generated_sql,omitempty"`
	ResultMetadata map[string]any `json:"result_metadata,omitempty"`
	FollowUps      []string       `json:"follow_up_suggestions,omitempty"`
	Error          string         `json:"error,omitempty"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

const messageColumns = `message_id, session_id, role, content,
	COALESCE(nl_query, ''), COALESCE(generated_sql, ''),
	result_metadata, follow_up_suggestions, COALESCE(error, ''),
	status, created_at`

func createSession(ctx context.Context, userIdentifier, name string) (*Session, error) {
	s := Session{
		SessionID:      uuid.New(),
		UserIdentifier: userIdentifier,
		Name:           name,
	}
	err := config.PgPool.QueryRow(ctx, `
		INSERT INTO chat_sessions (session_id, user_identifier, name)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		RETURNING created_at, last_active_at, message_count`,
		s.SessionID, userIdentifier, name).
		Scan(&s.CreatedAt, &s.LastActiveAt, &s.MessageCount)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &s, nil
}

func getSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var s Session
	err := config.PgPool.QueryRow(ctx, `
		SELECT session_id, COALESCE(user_identifier, ''), COALESCE(name, ''),
		       created_at, last_active_at, message_count
		FROM chat_sessions
		WHERE session_id = $1 AND is_active`, id).
		Scan(&s.SessionID, &s.UserIdentifier, &s.Name,
			&s.CreatedAt, &s.LastActiveAt, &s.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func listSessions(ctx context.Context, userIdentifier string) ([]Session, error) {
	rows, err := config.PgPool.Query(ctx, `
		SELECT session_id, COALESCE(user_identifier, ''), COALESCE(name, ''),
		       created_at, last_active_at, message_count
		FROM chat_sessions
		WHERE is_active AND ($1 = '' OR user_identifier = $1)
		ORDER BY last_active_at DESC
		LIMIT 100`, userIdentifier)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.UserIdentifier, &s.Name,
			&s.CreatedAt, &s.LastActiveAt, &s.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func renameSession(ctx context.Context, id uuid.UUID, name string) (*Session, error) {
	var s Session
	err := config.PgPool.QueryRow(ctx, `
		UPDATE chat_sessions
		SET name = NULLIF($2, '')
		WHERE session_id = $1 AND is_active
		RETURNING session_id, COALESCE(user_identifier, ''), COALESCE(name, ''),
		          created_at, last_active_at, message_count`, id, name).
		Scan(&s.SessionID, &s.UserIdentifier, &s.Name,
			&s.CreatedAt, &s.LastActiveAt, &s.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rename session: %w", err)
	}
	return &s, nil
}

func deleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := config.PgPool.Exec(ctx, `
		UPDATE chat_sessions SET is_active = FALSE
		WHERE session_id = $1 AND is_active`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errSessionNotFound
	}
	return nil
}

// bumpSession advances last_active_at and adds the number of messages
// charged to the finished turn.
func bumpSession(ctx context.Context, id uuid.UUID, messages int) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE chat_sessions
		SET last_active_at = now(), message_count = message_count + $2
		WHERE session_id = $1`, id, messages)
	return err
}

func insertMessage(ctx context.Context, m *Message) error {
	metadata, followUps, err := marshalMessageJSON(m)
	if err != nil {
		return err
	}
	err = config.PgPool.QueryRow(ctx, `
		INSERT INTO chat_messages
			(message_id, session_id, role, content, nl_query, generated_sql,
			 result_metadata, follow_up_suggestions, error, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10)
		RETURNING created_at`,
		m.MessageID, m.SessionID, m.Role, m.Content, m.NLQuery, m.GeneratedSQL,
		metadata, followUps, m.Error, m.Status).
		Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func getMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := config.PgPool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE message_id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// claimPendingMessage flips a pending_confirmation message to
// confirmed. Returns false when the message is no longer pending,
// which is what makes a duplicate confirm harmless.
func claimPendingMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := config.PgPool.Exec(ctx, `
		UPDATE chat_messages SET status = 'confirmed'
		WHERE message_id = $1 AND status = 'pending_confirmation'`, id)
	if err != nil {
		return false, fmt.Errorf("claim pending message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// completeMessage finalizes a message in place after execution.
func completeMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any, followUps []string) error {
	m := Message{ResultMetadata: metadata, FollowUps: followUps}
	rawMetadata, rawFollowUps, err := marshalMessageJSON(&m)
	if err != nil {
		return err
	}
	_, err = config.PgPool.Exec(ctx, `
		UPDATE chat_messages
		SET status = 'completed', content = $2, result_metadata = $3,
		    follow_up_suggestions = $4, error = NULL
		WHERE message_id = $1`, id, content, rawMetadata, rawFollowUps)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	return nil
}

func failMessage(ctx context.Context, id uuid.UUID, errorText string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE chat_messages SET status = 'error', error = $2
		WHERE message_id = $1`, id, errorText)
	if err != nil {
		return fmt.Errorf("fail message: %w", err)
	}
	return nil
}

// listMessages returns one page of a session's messages in ascending
// creation order. A cursor pages backwards: the page of messages
// strictly before the cursor message, still ascending within the page.
func listMessages(ctx context.Context, sessionID uuid.UUID, limit int, before *uuid.UUID) ([]Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before != nil {
		var cursorCreated time.Time
		err = config.PgPool.QueryRow(ctx, `
			SELECT created_at FROM chat_messages
			WHERE message_id = $1 AND session_id = $2`, *before, sessionID).
			Scan(&cursorCreated)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errCursorNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
		rows, err = config.PgPool.Query(ctx, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE session_id = $1 AND (created_at, message_id) < ($2, $3)
			ORDER BY created_at DESC, message_id DESC
			LIMIT $4`, sessionID, cursorCreated, *before, limit)
	} else {
		rows, err = config.PgPool.Query(ctx, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC, message_id DESC
			LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first; reverse for ascending display order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func marshalMessageJSON(m *Message) ([]byte, []byte, error) {
	var metadata, followUps []byte
	var err error
	if m.ResultMetadata != nil {
		if metadata, err = json.Marshal(m.ResultMetadata); err != nil {
			return nil, nil, fmt.Errorf("marshal result metadata: %w", err)
		}
	}
	if m.FollowUps != nil {
		if followUps, err = json.Marshal(m.FollowUps); err != nil {
			return nil, nil, fmt.Errorf("marshal follow-ups: %w", err)
		}
	}
	return metadata, followUps, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var rawMetadata, rawFollowUps []byte
	err := row.Scan(&m.MessageID, &m.SessionID, &m.Role, &m.Content,
		&m.NLQuery, &m.GeneratedSQL, &rawMetadata, &rawFollowUps,
		&m.Error, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(rawMetadata) > 0 {
		_ = json.Unmarshal(rawMetadata, &m.ResultMetadata)
	}
	if len(rawFollowUps) > 0 {
		_ = json.Unmarshal(rawFollowUps, &m.FollowUps)
	}
	return &m, nil
}
