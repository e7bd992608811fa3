package handlers

import (
	"gorm.io/gorm"

	"github.com/suPer8Hu/kb-chat/internal/apikey"
	"github.com/suPer8Hu/kb-chat/internal/chat"
	"github.com/suPer8Hu/kb-chat/internal/config"
	"github.com/suPer8Hu/kb-chat/internal/email"
	"github.com/suPer8Hu/kb-chat/internal/kb"
	"github.com/suPer8Hu/kb-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/kb-chat/internal/store/redisstore"
)

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
	KeySvc      *apikey.Service
	KB          *kb.Client
	Rabbit      *rabbitmq.Publisher
}

func NewHandler(db *gorm.DB, cfg config.Config, r *redisstore.Store, pub *rabbitmq.Publisher) *Handler {
	repo := chat.NewRepo(db)

	kbClient := kb.NewClient(kb.ClientConfig{
		BaseURL:      cfg.KBBaseURL,
		ChatPath:     cfg.KBChatPath,
		APIKey:       cfg.KBAPIKey,
		APIKeyHeader: cfg.KBAPIKeyHeader,
		APIKeyPrefix: cfg.KBAPIKeyPrefix,
		ChatID:       cfg.KBChatID,
		DatasetID:    cfg.KBDatasetID,
		Model:        cfg.KBModel,
		Timeout:      cfg.KBTimeout,
	})

	// One source cache per process; every session shares it.
	resolver := kb.NewResolver(kbClient, kb.NewSourceCache())
	chatSvc := chat.NewService(repo, kbClient, resolver, cfg.ChatContextWindowSize, cfg.FinalizeWait)

	return &Handler{
		DB:    db,
		Cfg:   cfg,
		Redis: r,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		ChatSvc: chatSvc,
		KeySvc:  apikey.NewService(db),
		KB:      kbClient,
		Rabbit:  pub,
	}
}
