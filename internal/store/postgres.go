package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/dmchat/internal/chat"
)

// Postgres implements chat.MessageStore and chat.UserStore on PostgreSQL.
// Status changes are single conditional UPDATE statements so concurrent
// writers on different processes cannot regress a message.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. The schema is expected to be
// current; see Migrate.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// validID reports whether id can be compared with a uuid column. Anything
// else cannot name an existing row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, display_name, is_online, last_seen, created_at`

func scanUser(row interface{ Scan(...any) error }) (*chat.User, error) {
	var u chat.User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Online, &u.LastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.LastSeen = u.LastSeen.UTC()
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Postgres) CreateUser(ctx context.Context, displayName string) (*chat.User, error) {
	if err := chat.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(displayName)

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, display_name) VALUES ($1, $2) RETURNING `+userColumns,
		uuid.NewString(), name)
	u, err := scanUser(row)
	if pqCode(err) == pqUniqueViolation {
		return nil, fmt.Errorf("store: create user %q: %w", name, chat.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (s *Postgres) GetUser(ctx context.Context, id string) (*chat.User, error) {
	if !validID(id) {
		return nil, fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (s *Postgres) FindUserByName(ctx context.Context, displayName string) (*chat.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(display_name) = lower($1)`,
		strings.TrimSpace(displayName)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: user %q: %w", displayName, chat.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return u, nil
}

func (s *Postgres) SetPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	if !validID(id) {
		return fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users
		    SET is_online = $2,
		        last_seen = CASE WHEN $2 THEN last_seen ELSE $3 END
		  WHERE id = $1`,
		id, online, lastSeen.UTC())
	if err != nil {
		return fmt.Errorf("store: set presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
	}
	return nil
}

func (s *Postgres) Conversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, u.is_online, u.last_seen, u.created_at,
		       `+prefixed("lm", messageColumns)+`,
		       (SELECT count(*)
		          FROM messages m
		         WHERE m.sender_id = u.id AND m.receiver_id = $1
		           AND m.status <> 'read' AND m.deleted_at IS NULL) AS unread
		  FROM users u
		  LEFT JOIN LATERAL (
		        SELECT `+messageColumns+`
		          FROM messages m
		         WHERE m.deleted_at IS NULL
		           AND ((m.sender_id = $1 AND m.receiver_id = u.id)
		             OR (m.sender_id = u.id AND m.receiver_id = $1))
		         ORDER BY m.created_at DESC, m.id DESC
		         LIMIT 1) lm ON true
		 WHERE u.id <> $1
		 ORDER BY lm.created_at DESC NULLS LAST, u.display_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: conversations: %w", err)
	}
	defer rows.Close()

	var (
		out  []chat.ConversationSummary
		last []*chat.Message
	)
	for rows.Next() {
		var (
			sum chat.ConversationSummary
			mr  messageRow
		)
		dest := []any{&sum.User.ID, &sum.User.DisplayName, &sum.User.Online, &sum.User.LastSeen, &sum.User.CreatedAt}
		dest = append(dest, mr.dest()...)
		dest = append(dest, &sum.UnreadCount)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("store: conversations: scan: %w", err)
		}
		sum.User.LastSeen = sum.User.LastSeen.UTC()
		sum.User.CreatedAt = sum.User.CreatedAt.UTC()
		if mr.id.Valid {
			sum.LastMessage = mr.message()
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversations: %w", err)
	}

	for i := range out {
		if out[i].LastMessage != nil {
			last = append(last, out[i].LastMessage)
		}
	}
	if err := s.loadReactions(ctx, last); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const messageColumns = `id, sender_id, receiver_id, content,
	attachment_url, attachment_kind, attachment_name, attachment_size,
	status, reply_to, created_at, edited_at, deleted_at`

// prefixed qualifies every column in cols with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// messageRow holds the nullable scan targets for messageColumns. The id is
// nullable too so the same row type serves outer joins.
type messageRow struct {
	id, sender, receiver, content sql.NullString
	attURL, attKind, attName      sql.NullString
	attSize                       sql.NullInt64
	status, replyTo               sql.NullString
	createdAt                     sql.NullTime
	editedAt, deletedAt           sql.NullTime
}

func (r *messageRow) dest() []any {
	return []any{
		&r.id, &r.sender, &r.receiver, &r.content,
		&r.attURL, &r.attKind, &r.attName, &r.attSize,
		&r.status, &r.replyTo, &r.createdAt, &r.editedAt, &r.deletedAt,
	}
}

func (r *messageRow) message() *chat.Message {
	m := &chat.Message{
		ID:         r.id.String,
		SenderID:   r.sender.String,
		ReceiverID: r.receiver.String,
		Content:    r.content.String,
		Status:     chat.Status(r.status.String),
		ReplyTo:    r.replyTo.String,
		CreatedAt:  r.createdAt.Time.UTC(),
	}
	if r.attURL.Valid {
		m.Attachment = &chat.Attachment{
			URL:  r.attURL.String,
			Kind: chat.AttachmentKind(r.attKind.String),
			Name: r.attName.String,
			Size: r.attSize.Int64,
		}
	}
	if r.editedAt.Valid {
		t := r.editedAt.Time.UTC()
		m.EditedAt = &t
	}
	if r.deletedAt.Valid {
		t := r.deletedAt.Time.UTC()
		m.DeletedAt = &t
	}
	return m
}

func (s *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var mr messageRow
		if err := rows.Scan(mr.dest()...); err != nil {
			return nil, err
		}
		out = append(out, *mr.message())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ptrs := make([]*chat.Message, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := s.loadReactions(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

// loadReactions fills the Reactions field of every message in one round
// trip. Emoji groups keep the order of their first reaction.
func (s *Postgres) loadReactions(ctx context.Context, msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*chat.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, emoji, array_agg(user_id::text ORDER BY created_at)
		  FROM message_reactions
		 WHERE message_id = ANY($1::uuid[])
		 GROUP BY message_id, emoji
		 ORDER BY min(created_at)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, emoji string
			users     []string
		)
		if err := rows.Scan(&id, &emoji, pq.Array(&users)); err != nil {
			return fmt.Errorf("store: reactions: scan: %w", err)
		}
		if m, ok := byID[id]; ok {
			m.Reactions = append(m.Reactions, chat.Reaction{Emoji: emoji, Users: users})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: reactions: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Postgres) Create(ctx context.Context, m *chat.Message) error {
	if !validID(m.SenderID) {
		return fmt.Errorf("store: sender %s: %w", m.SenderID, chat.ErrNotFound)
	}
	if !validID(m.ReceiverID) {
		return fmt.Errorf("store: receiver %s: %w", m.ReceiverID, chat.ErrNotFound)
	}
	if m.ReplyTo != "" && !validID(m.ReplyTo) {
		return fmt.Errorf("store: reply-to %s: %w", m.ReplyTo, chat.ErrNotFound)
	}

	var (
		url, kind, name sql.NullString
		size            sql.NullInt64
	)
	if a := m.Attachment; a != nil {
		url, kind, name = nullString(a.URL), nullString(string(a.Kind)), nullString(a.Name)
		size = sql.NullInt64{Int64: a.Size, Valid: true}
	}

	id := uuid.NewString()
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, content,
		                      attachment_url, attachment_kind, attachment_name, attachment_size,
		                      status, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'sent', $9)
		RETURNING created_at`,
		id, m.SenderID, m.ReceiverID, m.Content, url, kind, name, size, nullString(m.ReplyTo),
	).Scan(&createdAt)
	if pqCode(err) == pqForeignKeyViolation {
		return fmt.Errorf("store: create message: %w", chat.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}

	m.ID = id
	m.Status = chat.StatusSent
	m.CreatedAt = createdAt.UTC()
	m.EditedAt = nil
	m.DeletedAt = nil
	m.Reactions = nil
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*chat.Message, error) {
	if !validID(id) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	msgs, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	return &msgs[0], nil
}

func (s *Postgres) MarkDelivered(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'delivered'
		  WHERE id = $1 AND status = 'sent' AND deleted_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("store: mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark delivered: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: mark delivered: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	return false, nil
}

func (s *Postgres) MarkRead(ctx context.Context, senderID, receiverID string) ([]string, error) {
	if !validID(senderID) || !validID(receiverID) {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH updated AS (
			UPDATE messages SET status = 'read'
			 WHERE sender_id = $1 AND receiver_id = $2
			   AND status IN ('sent', 'delivered')
			   AND deleted_at IS NULL
			RETURNING id, created_at
		)
		SELECT id FROM updated ORDER BY created_at, id`, senderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("store: mark read: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: mark read: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: mark read: %w", err)
	}
	return ids, nil
}

func (s *Postgres) Undelivered(ctx context.Context, receiverID string) ([]chat.Message, error) {
	if !validID(receiverID) {
		return nil, nil
	}
	msgs, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		  FROM messages
		 WHERE receiver_id = $1 AND status = 'sent' AND deleted_at IS NULL
		 ORDER BY created_at, id`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("store: undelivered: %w", err)
	}
	return msgs, nil
}

func (s *Postgres) History(ctx context.Context, userID, counterpartID, before string, limit int) ([]chat.Message, error) {
	if !validID(userID) || !validID(counterpartID) {
		return nil, nil
	}
	lim := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}

	var (
		msgs []chat.Message
		err  error
	)
	if before == "" {
		msgs, err = s.queryMessages(ctx, `
			SELECT `+messageColumns+`
			  FROM messages
			 WHERE deleted_at IS NULL
			   AND ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`, userID, counterpartID, lim)
	} else {
		if !validID(before) {
			return nil, fmt.Errorf("store: cursor %s: %w", before, chat.ErrNotFound)
		}
		var (
			cursorAt time.Time
			cursorID string
		)
		err = s.db.QueryRowContext(ctx, `SELECT created_at, id FROM messages WHERE id = $1`, before).Scan(&cursorAt, &cursorID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: cursor %s: %w", before, chat.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("store: history: cursor: %w", err)
		}
		msgs, err = s.queryMessages(ctx, `
			SELECT `+messageColumns+`
			  FROM messages
			 WHERE deleted_at IS NULL
			   AND ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			   AND (created_at, id) < ($3, $4::uuid)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $5`, userID, counterpartID, cursorAt, cursorID, lim)
	}
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// classify explains why a conditional update on a message owned by senderID
// matched no row.
func (s *Postgres) classify(ctx context.Context, id, userID string, mustOwn bool) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.Deleted() {
		return fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	if mustOwn && m.SenderID != userID {
		return fmt.Errorf("store: message %s: %w", id, chat.ErrForbidden)
	}
	if !m.IsParticipant(userID) {
		return fmt.Errorf("store: message %s: %w", id, chat.ErrForbidden)
	}
	return nil
}

// updateOwned runs a RETURNING update restricted to live messages owned by
// senderID and falls back to classify when nothing matched.
func (s *Postgres) updateOwned(ctx context.Context, op, set, id, senderID string, args ...any) (*chat.Message, error) {
	if !validID(id) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	if !validID(senderID) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrForbidden)
	}
	query := `UPDATE messages SET ` + set + `
	           WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL
	       RETURNING ` + messageColumns
	msgs, err := s.queryMessages(ctx, query, append([]any{id, senderID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	if len(msgs) == 0 {
		if err := s.classify(ctx, id, senderID, true); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	return &msgs[0], nil
}

func (s *Postgres) Edit(ctx context.Context, id, senderID, content string) (*chat.Message, error) {
	return s.updateOwned(ctx, "edit", `content = $3, edited_at = clock_timestamp()`, id, senderID, content)
}

func (s *Postgres) Delete(ctx context.Context, id, senderID string) (*chat.Message, error) {
	return s.updateOwned(ctx, "delete", `deleted_at = clock_timestamp()`, id, senderID)
}

func (s *Postgres) AddReaction(ctx context.Context, id, userID, emoji string) (*chat.Message, error) {
	if !validID(id) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	if !validID(userID) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrForbidden)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji)
		SELECT id, $2, $3
		  FROM messages
		 WHERE id = $1 AND deleted_at IS NULL
		   AND (sender_id = $2 OR receiver_id = $2)
		ON CONFLICT DO NOTHING`, id, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("store: add reaction: %w", err)
	}
	if err := s.classify(ctx, id, userID, false); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Postgres) RemoveReaction(ctx context.Context, id, userID, emoji string) (*chat.Message, error) {
	if !validID(id) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	if !validID(userID) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrForbidden)
	}
	if err := s.classify(ctx, id, userID, false); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		id, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("store: remove reaction: %w", err)
	}
	return s.Get(ctx, id)
}

var (
	_ chat.MessageStore = (*Postgres)(nil)
	_ chat.UserStore    = (*Postgres)(nil)
	_ chat.MessageStore = (*Memory)(nil)
	_ chat.UserStore    = (*Memory)(nil)
)
