package handler

import (
	"context"
	"errors"

	"visionchat/internal/app/chat"
	"visionchat/internal/app/model"
	"visionchat/internal/app/store"
	"visionchat/internal/app/user"
	"visionchat/internal/pkg/errs"
)

// ChatAuthorizer returns the access rule shared by the REST chat routes and the
// realtime subscribe path: the chat ID must be canonical, the user must be a
// participant, and a private chat must already exist.
func ChatAuthorizer(st store.Store) chat.Authorizer {
	return func(ctx context.Context, u user.User, chatID string) error {
		ref, err := model.ParseChatID(chatID)
		if err != nil {
			return errs.Wrap(errs.ErrChatIDInvalid, err)
		}

		if !ref.HasParticipant(u.ID) {
			return errs.NewError(errs.ErrChatAccessDenied)
		}

		if ref.Kind == model.KindGroup {
			return nil
		}

		if _, err := st.GetChat(ctx, chatID); err != nil {
			return storageError(err)
		}

		return nil
	}
}

// storageError maps store errors onto application errors.
func storageError(err error) *errs.CustomError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errs.Wrap(errs.ErrChatNotFound, err)
	case errors.Is(err, model.ErrInvalidChatID):
		return errs.Wrap(errs.ErrChatIDInvalid, err)
	case errors.Is(err, model.ErrSelfChat):
		return errs.Wrap(errs.ErrSelfChat, err)
	default:
		return errs.Wrap(errs.ErrStorageUnavailable, err)
	}
}
