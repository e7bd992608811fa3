package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrInvalidKey = errors.New("apikey: invalid or inactive key")

// APIKey stores only the SHA-256 digest of an issued key; the plaintext is
// shown once at creation and never persisted.
type APIKey struct {
	Digest    string     `gorm:"primaryKey;size:64" json:"digest"`
	UserID    uint64     `gorm:"index;not null" json:"-"`
	Name      string     `gorm:"type:varchar(128);not null" json:"name"`
	Hint      string     `gorm:"type:varchar(16);not null" json:"hint"`
	IsActive  bool       `gorm:"not null;default:true" json:"is_active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (APIKey) TableName() string { return "api_keys" }

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func Digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Create issues a new sk_-prefixed key and returns the plaintext alongside
// the stored record.
func (s *Service) Create(ctx context.Context, userID uint64, name string, expiresAt *time.Time) (string, *APIKey, error) {
	if name == "" {
		return "", nil, errors.New("apikey: name is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plain := "sk_" + base64.RawURLEncoding.EncodeToString(raw)

	rec := &APIKey{
		Digest:    Digest(plain),
		UserID:    userID,
		Name:      name,
		Hint:      plain[:7] + "...",
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", nil, err
	}
	return plain, rec, nil
}

// Lookup maps a plaintext key to its owner, rejecting revoked and expired keys.
func (s *Service) Lookup(ctx context.Context, key string) (uint64, error) {
	var rec APIKey
	err := s.db.WithContext(ctx).
		Where("digest = ?", Digest(key)).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrInvalidKey
		}
		return 0, err
	}
	if !rec.IsActive {
		return 0, ErrInvalidKey
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now()) {
		return 0, ErrInvalidKey
	}
	return rec.UserID, nil
}

func (s *Service) List(ctx context.Context, userID uint64) ([]APIKey, error) {
	var out []APIKey
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Revoke deactivates a key owned by the user. Returns false when no such key
// exists (or it belongs to someone else; existence is not revealed).
func (s *Service) Revoke(ctx context.Context, userID uint64, digest string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("digest = ? AND user_id = ?", digest, userID).
		Update("is_active", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
