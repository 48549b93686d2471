package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"visionchat/internal/pkg/auth/jwt"
	"visionchat/internal/pkg/errs"
	"visionchat/internal/pkg/limiter"
	"visionchat/internal/pkg/logx"
	"visionchat/internal/pkg/resp"
)

// HandleWebSocket upgrades an authenticated request and hands the connection to the
// hub. The identity comes from the token query parameter, since browsers cannot set
// headers on a WebSocket handshake.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rateLimiter.Allow(r) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", limiter.ClientIP(r))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		identity := jwt.GetPayloadFromContext(r)
		if identity == nil {
			logx.Info("WebSocket connection rejected: missing or invalid token.")
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket", "user_id", identity.ID)
			return
		}

		deps.Hub.ServeConn(conn, identity.User())
	}
}
