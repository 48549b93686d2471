/*
Package delivery implements the send path of a chat message: validate, persist
through the store, then fan the stored record out to the live subscribers of the
chat.

A message that could not be persisted is never broadcast. Persisting and queueing the
broadcast happen under a per-chat lock, so subscribers see messages of one chat in
sequence order.
*/
package delivery

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visionchat/internal/app/chat"
	"visionchat/internal/app/model"
	"visionchat/internal/app/store"
	"visionchat/internal/app/user"
	"visionchat/internal/configs"
	"visionchat/internal/pkg/errs"
	"visionchat/internal/pkg/logx"
)

// State is the position of a send attempt in its lifecycle.
type State string

const (
	StateComposing  State = "composing"
	StateSubmitting State = "submitting"
	StatePersisted  State = "persisted"
	StateBroadcast  State = "broadcast"
	StateFailed     State = "failed"
)

const lockShards = 64

// Broadcaster fans an event out to a chat's subscribers. *chat.Router implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, chatID, eventType string, payload any, excludeConn string) error
}

// Submission is one send attempt.
type Submission struct {
	ChatID  string
	Sender  user.User
	Content string

	// IdempotencyKey makes retries safe: a second submission with the same key
	// returns the stored message instead of appending again.
	IdempotencyKey string

	// OriginConn is the sender's connection, left out of the live fan-out.
	OriginConn string
}

// Result describes a completed attempt.
type Result struct {
	Message   model.Message
	Chat      model.Chat
	Duplicate bool
	State     State
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	store       store.Store
	broadcaster Broadcaster

	maxBytes int
	timeout  time.Duration

	locks [lockShards]sync.Mutex

	logger zerolog.Logger
}

// New builds a pipeline persisting to st and broadcasting through b.
func New(st store.Store, b Broadcaster, cfg *configs.AppConfig) *Pipeline {
	return &Pipeline{
		store:       st,
		broadcaster: b,
		maxBytes:    cfg.MessageMaxBytes,
		timeout:     cfg.RequestTimeout,
		logger:      logx.Component("Delivery"),
	}
}

func (p *Pipeline) chatLock(chatID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return &p.locks[h.Sum32()%lockShards]
}

// Submit runs one attempt to completion. Validation and access errors leave the
// attempt in composing; storage errors move it to failed. Once persisted, a failed
// broadcast is logged but not returned: the message is durable and reaches
// disconnected or missed subscribers through catch-up.
func (p *Pipeline) Submit(ctx context.Context, s Submission) (Result, error) {
	res := Result{State: StateComposing}

	content := strings.TrimSpace(s.Content)
	if content == "" {
		return res, errs.NewError(errs.ErrMessageContentEmpty)
	}
	if len(content) > p.maxBytes {
		return res, errs.NewError(errs.ErrMessageContentTooLong, p.maxBytes)
	}

	ref, err := model.ParseChatID(s.ChatID)
	if err != nil {
		return res, errs.Wrap(errs.ErrChatIDInvalid, err)
	}
	if !ref.HasParticipant(s.Sender.ID) {
		return res, errs.NewError(errs.ErrChatAccessDenied)
	}

	logger := p.logger.With().
		Str("chat_id", s.ChatID).
		Str("sender_id", s.Sender.ID).
		Str("idempotency_key", s.IdempotencyKey).
		Logger()

	mu := p.chatLock(s.ChatID)
	mu.Lock()
	defer mu.Unlock()

	res.State = StateSubmitting

	appendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	appended, err := p.store.AppendMessage(appendCtx, model.NewMessage{
		ChatID:         s.ChatID,
		SenderID:       s.Sender.ID,
		SenderName:     s.Sender.DisplayName,
		Content:        content,
		Type:           model.TypeText,
		IdempotencyKey: s.IdempotencyKey,
	})
	cancel()
	if err != nil {
		res.State = StateFailed
		logger.Warn().Err(err).Str("state", string(res.State)).Msg("Message append failed.")

		if errors.Is(err, store.ErrNotFound) {
			return res, errs.Wrap(errs.ErrChatNotFound, err)
		}
		return res, errs.Wrap(errs.ErrMessagePersistFailed, err)
	}

	res.Message = appended.Message
	res.Chat = appended.Chat
	res.Duplicate = !appended.Created
	res.State = StatePersisted

	// Duplicates are broadcast again; receivers drop IDs they already hold.
	if err := p.broadcaster.Broadcast(ctx, s.ChatID, chat.EventMessage, res.Message, s.OriginConn); err != nil {
		logger.Error().Err(err).Str("message_id", res.Message.ID).Msg("Broadcast failed after persist.")
		return res, nil
	}

	res.State = StateBroadcast
	logger.Debug().
		Str("message_id", res.Message.ID).
		Int64("seq", res.Message.Seq).
		Bool("duplicate", res.Duplicate).
		Msg("Message delivered.")

	return res, nil
}
