package account

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/internal/failure"
)

// createScript claims the email (and external id) indexes and writes the
// account hash. Returns 1 on success, 0 on email collision, -1 on external
// id collision, -2 when the id already exists.
const createScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -2
end
if redis.call("SETNX", KEYS[2], ARGV[1]) == 0 then
  return 0
end
if ARGV[2] == "1" then
  if redis.call("SETNX", KEYS[3], ARGV[1]) == 0 then
    redis.call("DEL", KEYS[2])
    return -1
  end
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
return 1
`

var createLua = redis.NewScript(createScript)

const updateIfExistsScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`

var updateIfExistsLua = redis.NewScript(updateIfExistsScript)

// linkScript binds an external id to the account unless another account
// already holds it.
const linkScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local owner = redis.call("GET", KEYS[2])
if owner and owner ~= ARGV[1] then
  return -1
end
redis.call("SET", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
return 1
`

var linkLua = redis.NewScript(linkScript)

const setResetScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local old = redis.call("HGET", KEYS[1], "reset_hash")
if old and old ~= "" then
  redis.call("DEL", ARGV[1] .. old)
end
redis.call("HSET", KEYS[1], "reset_hash", ARGV[3], "reset_expires", ARGV[4])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[5])
return 1
`

var setResetLua = redis.NewScript(setResetScript)

// updatePasswordScript sets the verifier, clears the reset token and bumps
// the generation. Returns the new generation or -1 when missing.
const updatePasswordScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local old = redis.call("HGET", KEYS[1], "reset_hash")
if old and old ~= "" then
  redis.call("DEL", ARGV[1] .. old)
end
redis.call("HSET", KEYS[1], "password_hash", ARGV[2], "reset_hash", "", "reset_expires", "0", "updated_at", ARGV[3])
return redis.call("HINCRBY", KEYS[1], "generation", 1)
`

var updatePasswordLua = redis.NewScript(updatePasswordScript)

// consumeResetScript is updatePasswordScript guarded by the stored reset
// hash and expiry. Returns the new generation, -1 when missing, -2 when the
// token is no longer current.
const consumeResetScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local cur = redis.call("HGET", KEYS[1], "reset_hash")
local exp = tonumber(redis.call("HGET", KEYS[1], "reset_expires") or "0") or 0
if cur ~= ARGV[2] or exp <= tonumber(ARGV[4]) then
  return -2
end
redis.call("DEL", ARGV[1] .. cur)
redis.call("HSET", KEYS[1], "password_hash", ARGV[3], "reset_hash", "", "reset_expires", "0", "updated_at", ARGV[4])
return redis.call("HINCRBY", KEYS[1], "generation", 1)
`

var consumeResetLua = redis.NewScript(consumeResetScript)

const incrementGenerationScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "generation", 1)
`

var incrementGenerationLua = redis.NewScript(incrementGenerationScript)

const addFavoriteScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("SADD", KEYS[2], ARGV[1])
`

var addFavoriteLua = redis.NewScript(addFavoriteScript)

// RedisStore keeps accounts as hashes at <prefix>acct:<id> with string
// indexes for email, external id and reset token digest.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis account store under prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{redis: rdb, prefix: prefix}
}

func (s *RedisStore) key(id string) string         { return s.prefix + "acct:" + id }
func (s *RedisStore) favKey(id string) string      { return s.prefix + "acctfav:" + id }
func (s *RedisStore) emailKey(email string) string { return s.prefix + "acctemail:" + NormalizeEmail(email) }
func (s *RedisStore) extKey(ext string) string     { return s.prefix + "acctext:" + ext }
func (s *RedisStore) resetPrefix() string          { return s.prefix + "acctreset:" }

var _ Store = (*RedisStore)(nil)

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, a *Account) error {
	if a == nil || a.ID == "" || a.Email == "" || !a.Role.Valid() {
		return errors.New("account: incomplete account")
	}
	hasExt := "0"
	if a.ExternalID != "" {
		hasExt = "1"
	}
	args := append([]interface{}{a.ID, hasExt}, encode(a)...)
	res, err := createLua.Run(ctx, s.redis,
		[]string{s.key(a.ID), s.emailKey(a.Email), s.extKey(a.ExternalID)},
		args...,
	).Int64()
	if err != nil {
		return failure.Unavailable(err)
	}
	switch res {
	case 1:
		if len(a.Favorites) > 0 {
			members := make([]interface{}, len(a.Favorites))
			for i, f := range a.Favorites {
				members[i] = f
			}
			if err := s.redis.SAdd(ctx, s.favKey(a.ID), members...).Err(); err != nil {
				return failure.Unavailable(err)
			}
		}
		return nil
	case 0:
		return failure.ErrEmailTaken
	case -1:
		return failure.ErrIdentityLinked
	default:
		return errors.New("account: id already exists")
	}
}

// ByID implements Store.
func (s *RedisStore) ByID(ctx context.Context, id string) (*Account, error) {
	pipe := s.redis.Pipeline()
	hcmd := pipe.HGetAll(ctx, s.key(id))
	fcmd := pipe.SMembers(ctx, s.favKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, failure.Unavailable(err)
	}
	values := hcmd.Val()
	if len(values) == 0 {
		return nil, failure.ErrAccountNotFound
	}
	a, err := decode(id, values)
	if err != nil {
		return nil, err
	}
	a.Favorites = fcmd.Val()
	return a, nil
}

// ByEmail implements Store.
func (s *RedisStore) ByEmail(ctx context.Context, email string) (*Account, error) {
	return s.byIndex(ctx, s.emailKey(email))
}

// ByExternalID implements Store.
func (s *RedisStore) ByExternalID(ctx context.Context, externalID string) (*Account, error) {
	if externalID == "" {
		return nil, failure.ErrAccountNotFound
	}
	return s.byIndex(ctx, s.extKey(externalID))
}

// ByResetToken implements Store.
func (s *RedisStore) ByResetToken(ctx context.Context, tokenHash string, now time.Time) (*Account, error) {
	if tokenHash == "" {
		return nil, failure.ErrInvalidOrExpiredResetToken
	}
	a, err := s.byIndex(ctx, s.resetPrefix()+tokenHash)
	if errors.Is(err, failure.ErrAccountNotFound) {
		return nil, failure.ErrInvalidOrExpiredResetToken
	}
	if err != nil {
		return nil, err
	}
	if a.ResetTokenHash != tokenHash || !now.Before(a.ResetExpiresAt) {
		return nil, failure.ErrInvalidOrExpiredResetToken
	}
	return a, nil
}

func (s *RedisStore) byIndex(ctx context.Context, indexKey string) (*Account, error) {
	id, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, failure.ErrAccountNotFound
		}
		return nil, failure.Unavailable(err)
	}
	return s.ByID(ctx, id)
}

// LinkExternalID implements Store.
func (s *RedisStore) LinkExternalID(ctx context.Context, id, externalID, pictureURL string) error {
	args := []interface{}{id, "external_id", externalID, "updated_at", millis(time.Now())}
	if pictureURL != "" {
		args = append(args, "picture_url", pictureURL)
	}
	res, err := linkLua.Run(ctx, s.redis, []string{s.key(id), s.extKey(externalID)}, args...).Int64()
	if err != nil {
		return failure.Unavailable(err)
	}
	switch res {
	case 0:
		return failure.ErrAccountNotFound
	case -1:
		return failure.ErrIdentityLinked
	}
	return nil
}

// MarkVerified implements Store.
func (s *RedisStore) MarkVerified(ctx context.Context, id string) error {
	return s.updateIfExists(ctx, id, "verified", "1")
}

// SetActive implements Store.
func (s *RedisStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateIfExists(ctx, id, "active", boolField(active))
}

// TouchLastLogin implements Store.
func (s *RedisStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.updateIfExists(ctx, id, "last_login_at", millis(at))
}

func (s *RedisStore) updateIfExists(ctx context.Context, id string, pairs ...interface{}) error {
	res, err := updateIfExistsLua.Run(ctx, s.redis, []string{s.key(id)}, pairs...).Int64()
	if err != nil {
		return failure.Unavailable(err)
	}
	if res == 0 {
		return failure.ErrAccountNotFound
	}
	return nil
}

// SetResetToken implements Store. The index entry expires with the token;
// any earlier token of the account is dropped.
func (s *RedisStore) SetResetToken(ctx context.Context, id string, token ResetToken) error {
	ttl := token.ExpiresAt.Sub(token.IssuedAt)
	if token.Hash == "" || ttl <= 0 {
		return errors.New("account: invalid reset token")
	}
	res, err := setResetLua.Run(ctx, s.redis,
		[]string{s.key(id), s.resetPrefix() + token.Hash},
		s.resetPrefix(), id, token.Hash, millis(token.ExpiresAt), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return failure.Unavailable(err)
	}
	if res == 0 {
		return failure.ErrAccountNotFound
	}
	return nil
}

// UpdatePassword implements Store.
func (s *RedisStore) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) (uint64, error) {
	gen, err := updatePasswordLua.Run(ctx, s.redis, []string{s.key(id)}, s.resetPrefix(), passwordHash, millis(at)).Int64()
	if err != nil {
		return 0, failure.Unavailable(err)
	}
	if gen < 0 {
		return 0, failure.ErrAccountNotFound
	}
	return uint64(gen), nil
}

// ConsumeResetToken implements Store.
func (s *RedisStore) ConsumeResetToken(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (uint64, error) {
	if tokenHash == "" {
		return 0, failure.ErrInvalidOrExpiredResetToken
	}
	gen, err := consumeResetLua.Run(ctx, s.redis, []string{s.key(id)},
		s.resetPrefix(), tokenHash, passwordHash, millis(now)).Int64()
	if err != nil {
		return 0, failure.Unavailable(err)
	}
	switch {
	case gen == -1:
		return 0, failure.ErrAccountNotFound
	case gen < 0:
		return 0, failure.ErrInvalidOrExpiredResetToken
	}
	return uint64(gen), nil
}

// IncrementGeneration implements Store.
func (s *RedisStore) IncrementGeneration(ctx context.Context, id string) (uint64, error) {
	gen, err := incrementGenerationLua.Run(ctx, s.redis, []string{s.key(id)}).Int64()
	if err != nil {
		return 0, failure.Unavailable(err)
	}
	if gen < 0 {
		return 0, failure.ErrAccountNotFound
	}
	return uint64(gen), nil
}

// AddFavorite implements Store.
func (s *RedisStore) AddFavorite(ctx context.Context, id, productID string) error {
	res, err := addFavoriteLua.Run(ctx, s.redis, []string{s.key(id), s.favKey(id)}, productID).Int64()
	if err != nil {
		return failure.Unavailable(err)
	}
	switch res {
	case -1:
		return failure.ErrAccountNotFound
	case 0:
		return failure.ErrAlreadyFavorited
	}
	return nil
}

// RemoveFavorite implements Store. Removing an absent product is a no-op.
func (s *RedisStore) RemoveFavorite(ctx context.Context, id, productID string) error {
	if err := s.redis.SRem(ctx, s.favKey(id), productID).Err(); err != nil {
		return failure.Unavailable(err)
	}
	return nil
}

func encode(a *Account) []interface{} {
	return []interface{}{
		"email", NormalizeEmail(a.Email),
		"display_name", a.DisplayName,
		"role", string(a.Role),
		"password_hash", a.PasswordHash,
		"external_id", a.ExternalID,
		"picture_url", a.PictureURL,
		"verified", boolField(a.Verified),
		"active", boolField(a.Active),
		"generation", strconv.FormatUint(a.Generation, 10),
		"reset_hash", a.ResetTokenHash,
		"reset_expires", millis(a.ResetExpiresAt),
		"created_at", millis(a.CreatedAt),
		"updated_at", millis(a.UpdatedAt),
		"last_login_at", millis(a.LastLoginAt),
	}
}

func decode(id string, v map[string]string) (*Account, error) {
	gen, err := strconv.ParseUint(v["generation"], 10, 64)
	if err != nil {
		return nil, failure.Unavailable(errors.New("account: corrupt generation for " + id))
	}
	return &Account{
		ID:             id,
		Email:          v["email"],
		DisplayName:    v["display_name"],
		Role:           Role(v["role"]),
		PasswordHash:   v["password_hash"],
		ExternalID:     v["external_id"],
		PictureURL:     v["picture_url"],
		Verified:       v["verified"] == "1",
		Active:         v["active"] == "1",
		Generation:     gen,
		ResetTokenHash: v["reset_hash"],
		ResetExpiresAt: fromMillis(v["reset_expires"]),
		CreatedAt:      fromMillis(v["created_at"]),
		UpdatedAt:      fromMillis(v["updated_at"]),
		LastLoginAt:    fromMillis(v["last_login_at"]),
	}, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
