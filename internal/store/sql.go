package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/capitalize-ai/support-chat/internal/model"
)

//go:embed schema/*.sql
var schemas embed.FS

// dialect captures the differences between the supported SQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type dialect struct {
	name          string
	schemaFile    string
	numbered      bool
	returningID   bool
	upsertKeyword string
	isDuplicate   func(error) bool
}

var postgresDialect = dialect{
	name:        "postgres",
	schemaFile:  "schema/postgres.sql",
	numbered:    true,
	returningID: true,
	upsertKeyword: `INSERT INTO bot_responses (keyword, response) VALUES (?, ?)
		ON CONFLICT (keyword) DO UPDATE SET response = EXCLUDED.response
		RETURNING id`,
	isDuplicate: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

var mysqlDialect = dialect{
	name:       "mysql",
	schemaFile: "schema/mysql.sql",
	upsertKeyword: `INSERT INTO bot_responses (keyword, response) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE response = VALUES(response), id = LAST_INSERT_ID(id)`,
	isDuplicate: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == 1062
	},
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists to PostgreSQL or MySQL. Appends and transitions lock the
// conversation row (SELECT ... FOR UPDATE), so message ids within one
// conversation are allocated and committed in append order.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to the named driver ("postgres" or "mysql") and applies the
// embedded schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var d dialect
	switch driver {
	case "postgres":
		d = postgresDialect
	case "mysql":
		d = mysqlDialect
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql DSN: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		dsn = cfg.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}

	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initializeSchema(ctx context.Context) error {
	raw, err := schemas.ReadFile(s.dialect.schemaFile)
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}

	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing schema statement: %w", err)
		}
	}
	return nil
}

const conversationColumns = `id, client_id, admin_id, admin_name, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner, extra ...any) (*model.Conversation, error) {
	var (
		conv    model.Conversation
		adminID sql.NullString
		status  string
	)
	dest := append([]any{&conv.ID, &conv.ClientID, &adminID, &conv.AdminName, &status, &conv.CreatedAt, &conv.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	conv.Status = model.Status(status)
	if adminID.Valid {
		id := adminID.String
		conv.AdminID = &id
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		msg    model.Message
		sender string
		token  sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Body, &token, &msg.SentAt); err != nil {
		return msg, err
	}
	msg.SenderType = model.SenderType(sender)
	msg.ClientToken = token.String
	return msg, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) lockConversation(ctx context.Context, tx *sql.Tx, id int64) (*model.Conversation, error) {
	query := s.dialect.rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ? FOR UPDATE`)
	conv, err := scanConversation(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error locking conversation: %w", err)
	}
	return conv, nil
}

// insertMessages appends msgs and bumps updated_at. Caller holds the row lock.
func (s *SQLStore) insertMessages(ctx context.Context, tx *sql.Tx, conv *model.Conversation, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	query := s.dialect.rebind(`INSERT INTO messages (conversation_id, sender_type, body, client_token, sent_at) VALUES (?, ?, ?, ?, ?)`)
	for _, msg := range msgs {
		sentAt := s.now()
		token := sql.NullString{String: msg.ClientToken, Valid: msg.ClientToken != ""}

		var id int64
		if s.dialect.returningID {
			err := tx.QueryRowContext(ctx, query+" RETURNING id", conv.ID, string(msg.SenderType), msg.Body, token, sentAt).Scan(&id)
			if err != nil {
				return s.insertError(err)
			}
		} else {
			res, err := tx.ExecContext(ctx, query, conv.ID, string(msg.SenderType), msg.Body, token, sentAt)
			if err != nil {
				return s.insertError(err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("error reading message id: %w", err)
			}
		}

		msg.ID = id
		msg.ConversationID = conv.ID
		msg.SentAt = sentAt
		conv.UpdatedAt = sentAt
	}

	_, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), conv.UpdatedAt, conv.ID)
	if err != nil {
		return fmt.Errorf("error updating conversation timestamp: %w", err)
	}
	return nil
}

func (s *SQLStore) insertError(err error) error {
	if s.dialect.isDuplicate(err) {
		return ErrDuplicate
	}
	return fmt.Errorf("error inserting message: %w", err)
}

func (s *SQLStore) CreateConversation(ctx context.Context, clientID string, welcome *model.Message) (*model.Conversation, error) {
	now := s.now()
	conv := &model.Conversation{
		ClientID:  clientID,
		Status:    model.StatusBot,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := s.dialect.rebind(`INSERT INTO conversations (client_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`)
		args := []any{clientID, string(model.StatusBot), now, now}

		if s.dialect.returningID {
			if err := tx.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&conv.ID); err != nil {
				return fmt.Errorf("error creating conversation: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("error creating conversation: %w", err)
			}
			if conv.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("error reading conversation id: %w", err)
			}
		}

		if welcome != nil {
			return s.insertMessages(ctx, tx, conv, []*model.Message{welcome})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	query := s.dialect.rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLStore) FindActiveConversation(ctx context.Context, clientID string) (*model.Conversation, error) {
	query := s.dialect.rebind(`SELECT ` + conversationColumns + ` FROM conversations
		WHERE client_id = ? AND status <> ?
		ORDER BY id DESC LIMIT 1`)
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, clientID, string(model.StatusClosed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying active conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, filter ListFilter) ([]model.ConversationSummary, error) {
	query := `SELECT c.id, c.client_id, c.admin_id, c.admin_name, c.status, c.created_at, c.updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND c.status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AdminID != "" {
		query += ` AND c.admin_id = ?`
		args = append(args, filter.AdminID)
	}
	query += ` ORDER BY c.updated_at DESC, c.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %w", err)
	}
	defer rows.Close()

	var out []model.ConversationSummary
	for rows.Next() {
		var count int
		conv, err := scanConversation(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation: %w", err)
		}
		out = append(out, model.ConversationSummary{Conversation: *conv, MessageCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	for i := range out {
		last, err := s.TailMessages(ctx, out[i].ID, 1)
		if err != nil {
			return nil, err
		}
		if len(last) == 1 {
			out[i].LastMessage = &last[0]
		}
	}

	return out, nil
}

func (s *SQLStore) ApplyTransition(ctx context.Context, id int64, t Transition) (*model.Conversation, error) {
	var current *model.Conversation

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := s.lockConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		current = conv.Clone()
		if !t.allows(conv) {
			return ErrConflict
		}

		now := s.now()
		query := `UPDATE conversations SET status = ?, updated_at = ?`
		args := []any{string(t.To), now}
		if t.Assign != nil {
			query += `, admin_id = ?, admin_name = ?`
			args = append(args, t.Assign.ID, t.Assign.Name)
		}
		query += ` WHERE id = ? AND status = ?`
		args = append(args, id, string(conv.Status))
		if t.RequireUnassigned {
			query += ` AND admin_id IS NULL`
		}

		res, err := tx.ExecContext(ctx, s.dialect.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("error updating conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("error getting rows affected: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}

		conv.Status = t.To
		conv.UpdatedAt = now
		if t.Assign != nil {
			adminID := t.Assign.ID
			conv.AdminID = &adminID
			conv.AdminName = t.Assign.Name
		}

		if err := s.insertMessages(ctx, tx, conv, t.Messages); err != nil {
			return err
		}
		current = conv
		return nil
	})

	switch {
	case err == nil:
		return current, nil
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate):
		return current, err
	default:
		return nil, err
	}
}

func (s *SQLStore) AppendMessages(ctx context.Context, conversationID int64, msgs ...*model.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := s.lockConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Status == model.StatusClosed {
			return ErrClosed
		}
		return s.insertMessages(ctx, tx, conv, msgs)
	})
}

const messageColumns = `id, conversation_id, sender_type, body, client_token, sent_at`

func (s *SQLStore) FindMessageByToken(ctx context.Context, conversationID int64, token string) (*model.Message, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	query := s.dialect.rebind(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND client_token = ?`)
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, conversationID, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying message: %w", err)
	}
	return &msg, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID, sinceID int64, limit int) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND id > ? ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	return s.queryMessages(ctx, query, conversationID, sinceID)
}

func (s *SQLStore) TailMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	msgs, err := s.queryMessages(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLStore) ListKeywordResponses(ctx context.Context) ([]model.KeywordResponse, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, keyword, response FROM bot_responses ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("error querying keyword responses: %w", err)
	}
	defer rows.Close()

	var out []model.KeywordResponse
	for rows.Next() {
		var kw model.KeywordResponse
		if err := rows.Scan(&kw.ID, &kw.Keyword, &kw.Response); err != nil {
			return nil, fmt.Errorf("error scanning keyword response: %w", err)
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutKeywordResponse(ctx context.Context, kw *model.KeywordResponse) error {
	query := s.dialect.rebind(s.dialect.upsertKeyword)
	if s.dialect.returningID {
		if err := s.db.QueryRowContext(ctx, query, kw.Keyword, kw.Response).Scan(&kw.ID); err != nil {
			return fmt.Errorf("error saving keyword response: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, query, kw.Keyword, kw.Response)
	if err != nil {
		return fmt.Errorf("error saving keyword response: %w", err)
	}
	if kw.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("error reading keyword id: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
