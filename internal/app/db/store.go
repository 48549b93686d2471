package db

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"visionchat/internal/app/model"
	"visionchat/internal/app/store"
	"visionchat/internal/app/user"
	"visionchat/internal/pkg/randx"
)

const chatColumns = `
	c.id, c.kind, c.user_a, c.user_b, c.last_activity,
	m.id, m.seq, m.sender_id, m.sender_name, m.content, m.type, m.idempotency_key, m.created_at`

const chatFrom = `
	FROM chats c
	LEFT JOIN messages m ON m.id = c.last_message_id`

const messageColumns = `id, chat_id, seq, sender_id, sender_name, content, type, idempotency_key, created_at`

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an initialized pool (see NewPool).
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateAccount(ctx context.Context, username, passwordHash, displayName string) (user.User, error) {
	u := user.User{ID: randx.UserID(), DisplayName: displayName}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, display_name) VALUES ($1, $2, $3, $4)`,
		u.ID, username, passwordHash, displayName,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return user.User{}, fmt.Errorf("username %q: %w", username, store.ErrConflict)
		}
		return user.User{}, fmt.Errorf("insert user: %w", err)
	}

	return u, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (user.Account, error) {
	var acc user.Account

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, display_name, avatar_url FROM users WHERE username = $1`,
		username,
	).Scan(&acc.ID, &acc.Username, &acc.PasswordHash, &acc.DisplayName, &acc.Avatar)
	if err != nil {
		if IsNoRows(err) {
			return user.Account{}, store.ErrNotFound
		}
		return user.Account{}, fmt.Errorf("select account: %w", err)
	}

	return acc, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var u user.User

	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.DisplayName, &u.Avatar)
	if err != nil {
		if IsNoRows(err) {
			return user.User{}, store.ErrNotFound
		}
		return user.User{}, fmt.Errorf("select user: %w", err)
	}

	return u, nil
}

func (s *Store) EnsureChat(ctx context.Context, chatID string) (model.Chat, error) {
	ref, err := model.ParseChatID(chatID)
	if err != nil {
		return model.Chat{}, err
	}

	var userA, userB *string
	if ref.Kind == model.KindPrivate {
		userA, userB = &ref.Participants[0], &ref.Participants[1]
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO chats (id, kind, user_a, user_b) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		ref.ID, string(ref.Kind), userA, userB,
	)
	if err != nil {
		return model.Chat{}, fmt.Errorf("insert chat: %w", err)
	}

	return s.GetChat(ctx, chatID)
}

func (s *Store) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+chatColumns+chatFrom+` WHERE c.id = $1`, chatID)

	c, err := scanChat(row)
	if err != nil {
		if IsNoRows(err) {
			return model.Chat{}, store.ErrNotFound
		}
		return model.Chat{}, fmt.Errorf("select chat: %w", err)
	}

	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chatColumns+chatFrom+`
		WHERE c.kind = 'group' OR c.user_a = $1 OR c.user_b = $1
		ORDER BY c.last_activity DESC NULLS LAST, c.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}

	return chats, rows.Err()
}

func (s *Store) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = store.DefaultPageSize
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		chatID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, scanMessageRow)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}

	if len(messages) == 0 {
		if _, err := s.GetChat(ctx, chatID); err != nil {
			return nil, err
		}
	}

	return messages, nil
}

// AppendMessage bumps the chat's sequence under a row lock, which serializes
// concurrent appends to the same chat, then inserts the message. A duplicate
// idempotency key, including one that lost a race to a concurrent insert, resolves
// to the stored message.
func (s *Store) AppendMessage(ctx context.Context, msg model.NewMessage) (store.AppendResult, error) {
	if msg.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, msg)
		if err == nil {
			return s.duplicate(ctx, existing)
		}
		if !IsNoRows(err) {
			return store.AppendResult{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	stored, err := s.insertMessage(ctx, msg)
	if err != nil {
		if msg.IdempotencyKey != "" && IsUniqueViolation(err) {
			existing, lookupErr := s.findByIdempotencyKey(ctx, msg)
			if lookupErr != nil {
				return store.AppendResult{}, fmt.Errorf("lookup idempotency key after conflict: %w", lookupErr)
			}
			return s.duplicate(ctx, existing)
		}
		return store.AppendResult{}, err
	}

	chat, err := s.GetChat(ctx, msg.ChatID)
	if err != nil {
		return store.AppendResult{}, err
	}

	return store.AppendResult{Message: stored, Chat: chat, Created: true}, nil
}

func (s *Store) insertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	stored := model.Message{
		ID:             randx.MessageID(),
		ChatID:         msg.ChatID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Type:           cmp.Or(msg.Type, model.TypeText),
		IdempotencyKey: msg.IdempotencyKey,
	}

	err = tx.QueryRow(ctx,
		`UPDATE chats
		SET last_seq = last_seq + 1,
		    last_activity = GREATEST(clock_timestamp(), COALESCE(last_activity, '-infinity'::timestamptz)),
		    last_message_id = $2
		WHERE id = $1
		RETURNING last_seq, last_activity`,
		msg.ChatID, stored.ID,
	).Scan(&stored.Seq, &stored.CreatedAt)
	if err != nil {
		if IsNoRows(err) {
			return model.Message{}, store.ErrNotFound
		}
		return model.Message{}, fmt.Errorf("bump chat sequence: %w", err)
	}

	var idemKey *string
	if stored.IdempotencyKey != "" {
		idemKey = &stored.IdempotencyKey
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		stored.ID, stored.ChatID, stored.Seq, stored.SenderID, stored.SenderName,
		stored.Content, string(stored.Type), idemKey, stored.CreatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, fmt.Errorf("commit append: %w", err)
	}

	stored.CreatedAt = stored.CreatedAt.UTC()
	return stored, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 AND sender_id = $2 AND idempotency_key = $3`,
		msg.ChatID, msg.SenderID, msg.IdempotencyKey,
	)
	if err != nil {
		return model.Message{}, err
	}

	return pgx.CollectExactlyOneRow(rows, scanMessageRow)
}

func (s *Store) duplicate(ctx context.Context, existing model.Message) (store.AppendResult, error) {
	chat, err := s.GetChat(ctx, existing.ChatID)
	if err != nil {
		return store.AppendResult{}, err
	}
	return store.AppendResult{Message: existing, Chat: chat}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanMessageRow(row pgx.CollectableRow) (model.Message, error) {
	var (
		m       model.Message
		msgType string
		idemKey *string
	)

	err := row.Scan(&m.ID, &m.ChatID, &m.Seq, &m.SenderID, &m.SenderName, &m.Content, &msgType, &idemKey, &m.CreatedAt)
	if err != nil {
		return model.Message{}, err
	}

	m.Type = model.MessageType(msgType)
	if idemKey != nil {
		m.IdempotencyKey = *idemKey
	}
	m.CreatedAt = m.CreatedAt.UTC()

	return m, nil
}

func scanChat(row pgx.Row) (model.Chat, error) {
	var (
		c            model.Chat
		kind         string
		userA, userB *string
		lastActivity *time.Time

		msgID, senderID, senderName, content, msgType, idemKey *string
		seq                                                    *int64
		createdAt                                              *time.Time
	)

	err := row.Scan(
		&c.ID, &kind, &userA, &userB, &lastActivity,
		&msgID, &seq, &senderID, &senderName, &content, &msgType, &idemKey, &createdAt,
	)
	if err != nil {
		return model.Chat{}, err
	}

	c.Kind = model.Kind(kind)
	if userA != nil && userB != nil {
		c.Participants = []string{*userA, *userB}
	}
	if lastActivity != nil {
		c.LastActivity = lastActivity.UTC()
	}

	if msgID != nil {
		last := model.Message{
			ID:         *msgID,
			ChatID:     c.ID,
			Seq:        *seq,
			SenderID:   *senderID,
			SenderName: *senderName,
			Content:    *content,
			Type:       model.MessageType(*msgType),
			CreatedAt:  createdAt.UTC(),
		}
		if idemKey != nil {
			last.IdempotencyKey = *idemKey
		}
		c.LastMessage = &last
	}

	return c, nil
}
