package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"visionchat/internal/app/delivery"
	"visionchat/internal/app/model"
	"visionchat/internal/app/store"
	"visionchat/internal/pkg/auth/jwt"
	"visionchat/internal/pkg/errs"
	"visionchat/internal/pkg/logx"
	"visionchat/internal/pkg/req"
	"visionchat/internal/pkg/resp"
)

// ChatListResponse is returned by GET /api/chat.
type ChatListResponse struct {
	Chats []model.Chat `json:"chats"`
}

// MessagesResponse is the catch-up payload: the chat metadata and one page of its log
// after a sequence number. HasMore means the page was full; ask again after the last
// message's Seq.
type MessagesResponse struct {
	Chat     model.Chat      `json:"chat"`
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

type SendMessageInput struct {
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SendMessageResponse is returned once the message is stored.
type SendMessageResponse struct {
	Chat      model.Chat    `json:"chat"`
	Message   model.Message `json:"message"`
	Duplicate bool          `json:"duplicate"`
}

// OnlineResponse lists who is online in a chat.
type OnlineResponse struct {
	ChatID      string   `json:"chatId"`
	OnlineUsers []string `json:"onlineUsers"`
}

// HandleGetGroupChat returns the community chat.
func HandleGetGroupChat(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetChat(r.Context(), model.GroupChatID)
		if err != nil {
			resp.RespondError(w, r, storageError(err))
			return
		}

		resp.RespondSuccess(w, r, c)
	}
}

// HandleGetPrivateChat returns the private chat with the user in the path, creating
// it on first use.
func HandleGetPrivateChat(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		peerID := chi.URLParam(r, "userId")

		if peerID == identity.ID {
			resp.RespondError(w, r, errs.NewError(errs.ErrSelfChat))
			return
		}

		if _, err := deps.Store.GetUser(r.Context(), peerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrUserNotFound))
				return
			}
			resp.RespondError(w, r, errs.Wrap(errs.ErrStorageUnavailable, err))
			return
		}

		chatID, err := model.PrivateChatID(identity.ID, peerID)
		if err != nil {
			resp.RespondError(w, r, storageError(err))
			return
		}

		c, err := deps.Store.EnsureChat(r.Context(), chatID)
		if err != nil {
			resp.RespondError(w, r, storageError(err))
			return
		}

		logx.Debug("Private chat resolved.", "chat_id", c.ID, "user_id", identity.ID)
		resp.RespondSuccess(w, r, c)
	}
}

// HandleListChats returns the caller's chats, most recent first.
func HandleListChats(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)

		chats, err := deps.Store.ListChats(r.Context(), identity.ID)
		if err != nil {
			resp.RespondError(w, r, storageError(err))
			return
		}
		if chats == nil {
			chats = []model.Chat{}
		}

		resp.RespondSuccess(w, r, ChatListResponse{Chats: chats})
	}
}

// HandleListMessages returns the chat log. With ?after=<seq> only newer messages are
// returned, which is how clients catch up after a reconnect.
func HandleListMessages(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		chatID := chi.URLParam(r, "chatId")

		if err := deps.authorize(r, identity, chatID); err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		afterSeq, limit, customErr := pageParams(r)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		c, err := deps.Store.GetChat(r.Context(), chatID)
		if err != nil {
			resp.RespondError(w, r, storageError(err))
			return
		}

		// one extra row tells whether another page follows
		messages, err := deps.Store.ListMessages(r.Context(), chatID, afterSeq, limit+1)
		if err != nil {
			resp.RespondError(w, r, storageError(err))
			return
		}

		hasMore := len(messages) > limit
		if hasMore {
			messages = messages[:limit]
		}
		if messages == nil {
			messages = []model.Message{}
		}

		resp.RespondSuccess(w, r, MessagesResponse{Chat: c, Messages: messages, HasMore: hasMore})
	}
}

func pageParams(r *http.Request) (afterSeq int64, limit int, customErr *errs.CustomError) {
	query := r.URL.Query()
	limit = store.DefaultPageSize

	if raw := query.Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, errs.NewError(errs.ErrInvalidParams)
		}
		afterSeq = v
	}

	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > store.DefaultPageSize {
			return 0, 0, errs.NewError(errs.ErrInvalidParams)
		}
		limit = v
	}

	return afterSeq, limit, nil
}

// HandleSendMessage is the persistence step of a send. The stored message is
// broadcast to every other live connection in the chat; the sending connection
// (X-Connection-ID) gets it through this response instead.
func HandleSendMessage(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		chatID := chi.URLParam(r, "chatId")

		var input SendMessageInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		res, err := deps.Pipeline.Submit(r.Context(), delivery.Submission{
			ChatID:         chatID,
			Sender:         identity.User(),
			Content:        input.Content,
			IdempotencyKey: input.IdempotencyKey,
			OriginConn:     r.Header.Get(logx.ConnectionHeader),
		})
		if err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, SendMessageResponse{
			Chat:      res.Chat,
			Message:   res.Message,
			Duplicate: res.Duplicate,
		})
	}
}

// HandleGetOnlineUsers reports the online members of a chat.
func HandleGetOnlineUsers(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		chatID := chi.URLParam(r, "chatId")

		if err := deps.authorize(r, identity, chatID); err != nil {
			resp.RespondErr(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, OnlineResponse{
			ChatID:      chatID,
			OnlineUsers: deps.Hub.Presence().OnlineUsers(chatID),
		})
	}
}

func (d *AppDeps) authorize(r *http.Request, identity *jwt.Payload, chatID string) error {
	return ChatAuthorizer(d.Store)(r.Context(), identity.User(), chatID)
}
