/*
Package handler provides the HTTP surface of the chat server: account endpoints,
chat and message endpoints backed by the store and the delivery pipeline, and the
WebSocket upgrade into the realtime hub.
*/
package handler

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"visionchat/internal/app/store"
	"visionchat/internal/app/user"
	"visionchat/internal/pkg/auth/jwt"
	"visionchat/internal/pkg/errs"
	"visionchat/internal/pkg/logx"
	"visionchat/internal/pkg/randx"
	"visionchat/internal/pkg/req"
	"visionchat/internal/pkg/resp"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_]{4,20}$`)

const maxDisplayNameRunes = 32

type RegisterInput struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token string    `json:"token"`
	User  user.User `json:"user"`
}

func validPassword(password string) bool {
	n := utf8.RuneCountInString(password)
	return n >= 6 && n <= 50
}

// HandleRegister creates an account and signs the new user in.
func HandleRegister(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if payload := jwt.GetPayloadFromContext(r); payload != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrAlreadyLoggedIn))
			return
		}

		var input RegisterInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if !usernameRegex.MatchString(input.Username) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidUsername))
			return
		}

		if !validPassword(input.Password) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidPassword))
			return
		}

		displayName := strings.TrimSpace(input.DisplayName)
		if utf8.RuneCountInString(displayName) > maxDisplayNameRunes {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}
		if displayName == "" {
			generated, err := randx.DisplayName()
			if err != nil {
				generated = "User_X"
			}
			displayName = generated
		}

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			resp.RespondError(w, r, errs.Wrap(errs.ErrUnknown, err))
			return
		}

		u, err := deps.Store.CreateAccount(r.Context(), input.Username, string(hashedPassword), displayName)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				logx.Warn("registration conflict: username already exists", "username", input.Username)
				resp.RespondError(w, r, errs.NewError(errs.ErrUserAlreadyExists))
				return
			}

			resp.RespondError(w, r, errs.Wrap(errs.ErrStorageUnavailable, err))
			return
		}

		respondWithToken(w, r, deps, u)
	}
}

// HandleLogin verifies credentials and issues an identity token.
func HandleLogin(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if identity := jwt.GetPayloadFromContext(r); identity != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrAlreadyLoggedIn))
			return
		}

		var input LoginInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		acc, err := deps.Store.GetAccountByUsername(r.Context(), input.Username)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				resp.RespondError(w, r, errs.Wrap(errs.ErrStorageUnavailable, err))
				return
			}
			logx.Warn("login: unknown username", "username", input.Username)
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidCredentials))
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(input.Password)); err != nil {
			logx.Warn("login: password mismatch", "username", input.Username)
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidCredentials))
			return
		}

		respondWithToken(w, r, deps, acc.User)
	}
}

func respondWithToken(w http.ResponseWriter, r *http.Request, deps *AppDeps, u user.User) {
	token, err := jwt.GenerateToken(jwt.PayloadFor(u), deps.Config.JWTSecret, jwt.UserIdentityExpiration)
	if err != nil {
		logx.Error(err, "jwt generation failed", "user_id", u.ID)
		resp.RespondError(w, r, errs.Wrap(errs.ErrUnknown, err))
		return
	}

	resp.RespondSuccess(w, r, AuthResponse{Token: token, User: u})
}

// HandleGetUserProfile returns the signed-in user as stored.
func HandleGetUserProfile(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)

		u, err := deps.Store.GetUser(r.Context(), identity.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrUserNotFound))
				return
			}
			resp.RespondError(w, r, errs.Wrap(errs.ErrStorageUnavailable, err))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{"user": u})
	}
}
