package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/kb-chat/internal/apikey"
	"github.com/suPer8Hu/kb-chat/internal/common"
	"github.com/suPer8Hu/kb-chat/internal/config"
	"github.com/suPer8Hu/kb-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/kb-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/kb-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/kb-chat/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, pub *rabbitmq.Publisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, rds, pub)

	// API-key auth hits redis first, the key table on a miss.
	keyLookup := func(c *gin.Context, key string) (uint64, error) {
		digest := apikey.Digest(key)
		if uid, err := rds.GetAPIKeyUser(c.Request.Context(), digest); err == nil {
			return uid, nil
		}
		uid, err := h.KeySvc.Lookup(c.Request.Context(), key)
		if err != nil {
			return 0, err
		}
		_ = rds.SetAPIKeyUser(c.Request.Context(), digest, uid)
		return uid, nil
	}

	r.GET("/ping", h.Ping)

	// captcha
	r.POST("/captcha", h.SendCaptcha)

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	// auth
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.APIKeyOrJWT(cfg.JWTSecret, keyLookup))
	authGroup.GET("/me", h.Me)

	// API keys (JWT or API key required)
	authGroup.POST("/api-keys", h.CreateAPIKey)
	authGroup.GET("/api-keys", h.ListAPIKeys)
	authGroup.DELETE("/api-keys/:digest", h.RevokeAPIKey)

	// Chat
	authGroup.POST("/chat/conversations", h.CreateConversation)
	authGroup.GET("/chat/conversations", h.ListConversations)
	authGroup.PATCH("/chat/conversations/:conversation_id", h.RenameConversation)
	authGroup.DELETE("/chat/conversations/:conversation_id", h.DeleteConversation)
	authGroup.GET("/chat/conversations/:conversation_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/conversations/:conversation_id/messages", h.CreateChatMessage)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)

	// Knowledge-base passthrough
	authGroup.GET("/kb/chunks/:dataset_id/:document_id/:chunk_id", h.GetChunkDetail)
	authGroup.GET("/kb/documents/:dataset_id/:document_id/download", h.DownloadDocument)

	return r
}
