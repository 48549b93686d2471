package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"visionchat/internal/pkg/auth/jwt"
	"visionchat/internal/pkg/logx"
	"visionchat/internal/pkg/resp"
)

const (
	AuthRate     = 0.2
	AuthBurst    = 10
	MessageRate  = 5
	MessageBurst = 20
	ConnectRate  = 0.5
	ConnectBurst = 10
)

// Router builds the HTTP routing table: CORS, request IDs, logging and recovery for
// every route, optional identity extraction, per-IP rate limits on the endpoints
// that create things, and the WebSocket upgrade at /ws.
func Router(deps *AppDeps) http.Handler {
	authLimiter := deps.newLimiter(rate.Limit(AuthRate), AuthBurst)
	messageLimiter := deps.newLimiter(rate.Limit(MessageRate), MessageBurst)
	connectLimiter := deps.newLimiter(rate.Limit(ConnectRate), ConnectBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients
				return true
			}
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", logx.ConnectionHeader},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger("/health"))
	r.Use(middleware.Recoverer)
	r.Use(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, map[string]string{
			"status":  "ok",
			"service": "VisionChat Server",
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(deps.Config.RequestTimeout))

		api.Route("/auth", func(auth chi.Router) {
			auth.Use(authLimiter.Middleware)
			auth.Post("/register", HandleRegister(deps))
			auth.Post("/login", HandleLogin(deps))
		})

		api.Group(func(private chi.Router) {
			private.Use(jwt.RequireIdentity)

			private.Get("/user/profile", HandleGetUserProfile(deps))

			private.Route("/chat", func(chats chi.Router) {
				chats.Get("/", HandleListChats(deps))
				chats.Get("/group", HandleGetGroupChat(deps))
				chats.Get("/private/{userId}", HandleGetPrivateChat(deps))
				chats.Get("/{chatId}/messages", HandleListMessages(deps))
				chats.Get("/{chatId}/online", HandleGetOnlineUsers(deps))
				chats.With(messageLimiter.Middleware).Post("/{chatId}/message", HandleSendMessage(deps))
			})
		})
	})

	r.Get("/ws", HandleWebSocket(deps, wsUpgrader, connectLimiter))

	return r
}
