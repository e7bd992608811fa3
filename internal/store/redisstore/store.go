package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

const captchaTTL = 10 * time.Minute

func captchaKey(email string) string { return "captcha:" + email }

func (s *Store) SetCaptcha(ctx context.Context, email, code string) error {
	return s.rdb.Set(ctx, captchaKey(email), code, captchaTTL).Err()
}

func (s *Store) GetCaptcha(ctx context.Context, email string) (string, error) {
	return s.rdb.Get(ctx, captchaKey(email)).Result()
}

func (s *Store) DeleteCaptcha(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, captchaKey(email)).Err()
}

// API-key digest -> user id cache. Avoids a DB hit on every authenticated
// request; entries expire so revocation converges within the TTL.
const apiKeyTTL = 5 * time.Minute

func apiKeyCacheKey(digest string) string { return "apikey:" + digest }

func (s *Store) SetAPIKeyUser(ctx context.Context, digest string, userID uint64) error {
	return s.rdb.Set(ctx, apiKeyCacheKey(digest), strconv.FormatUint(userID, 10), apiKeyTTL).Err()
}

func (s *Store) GetAPIKeyUser(ctx context.Context, digest string) (uint64, error) {
	v, err := s.rdb.Get(ctx, apiKeyCacheKey(digest)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (s *Store) DeleteAPIKeyUser(ctx context.Context, digest string) error {
	return s.rdb.Del(ctx, apiKeyCacheKey(digest)).Err()
}
