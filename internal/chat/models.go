package chat

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/kb-chat/internal/kb"
)

type Conversation struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ConversationID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"conversation_id"`
	UserID         uint64    `gorm:"index;not null" json:"-"`
	Title          string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "chat_conversations" }

type Message struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string         `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_conv_id,priority:2;index:uniq_chat_msg_idempo,unique,priority:2" json:"conversation_id"`
	UserID         uint64         `gorm:"not null;index:idx_chat_msg_user_conv_id,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"-"`
	Role           string         `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Sources        datatypes.JSON `gorm:"type:json" json:"sources,omitempty"`
	IdempotencyKey *string        `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// SetSources serializes sources into the JSON column. An empty batch stores
// NULL so "no citations" and "empty list" read back the same way.
func (m *Message) SetSources(sources []kb.Source) error {
	if len(sources) == 0 {
		m.Sources = nil
		return nil
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	m.Sources = datatypes.JSON(b)
	return nil
}

func (m *Message) ParseSources() ([]kb.Source, error) {
	if len(m.Sources) == 0 {
		return nil, nil
	}
	var out []kb.Source
	if err := json.Unmarshal(m.Sources, &out); err != nil {
		return nil, err
	}
	return out, nil
}
