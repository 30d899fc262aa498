package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/internal/failure"
)

const (
	fieldAccount   = "account_id"
	fieldHash      = "hash"
	fieldGen       = "gen"
	fieldRevoked   = "revoked"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldRevokedAt = "revoked_at"
	fieldUA        = "ua"
	fieldIP        = "ip"
	fieldLabel     = "label"
)

// revokeScript flips revoked 0 -> 1 and reports whether this call did it.
// Returns -1 when the record is gone.
const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1])
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// revokeAllScript revokes every live credential indexed under KEYS[1] and
// prunes index entries whose record has been purged.
const revokeAllScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  if redis.call("EXISTS", key) == 1 then
    if redis.call("HGET", key, "revoked") ~= "1" then
      redis.call("HSET", key, "revoked", "1", "revoked_at", ARGV[2])
      revoked = revoked + 1
    end
  else
    redis.call("SREM", KEYS[1], id)
  end
end
return revoked
`

var revokeAllLua = redis.NewScript(revokeAllScript)

// Store persists refresh credentials in Redis.
//
// Each credential is a hash at <prefix>rt:<tokenId> whose physical TTL is
// its expiry; <prefix>rtu:<accountId> indexes token ids per account. The raw
// token is never written, only its SHA-256 digest.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a refresh credential store under the given key prefix.
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{redis: rdb, prefix: prefix}
}

func (s *Store) key(tokenID string) string {
	return s.prefix + "rt:" + tokenID
}

func (s *Store) accountKey(accountID string) string {
	return s.prefix + "rtu:" + accountID
}

// Hash returns the hex SHA-256 digest of a raw refresh token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Save persists c and indexes it under its account. ttl is the physical
// retention, normally the time left until c.ExpiresAt.
func (s *Store) Save(ctx context.Context, c *Credential, ttl time.Duration) error {
	if c == nil || c.TokenID == "" || c.AccountID == "" {
		return errors.New("refresh: credential requires token id and account id")
	}
	if ttl <= 0 {
		return errors.New("refresh: non-positive retention")
	}

	key := s.key(c.TokenID)
	accountKey := s.accountKey(c.AccountID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encode(c))
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, accountKey, c.TokenID)
		pipe.PExpire(ctx, accountKey, ttl)
		return nil
	})
	if err != nil {
		return failure.Unavailable(err)
	}
	return nil
}

// Lookup returns the credential in any state, or ErrRefreshNotFound once it
// has been physically purged or never existed.
func (s *Store) Lookup(ctx context.Context, tokenID string) (*Credential, error) {
	values, err := s.redis.HGetAll(ctx, s.key(tokenID)).Result()
	if err != nil {
		return nil, failure.Unavailable(err)
	}
	if len(values) == 0 {
		return nil, failure.ErrRefreshNotFound
	}
	return decode(tokenID, values)
}

// LookupActive returns the credential only when it is neither revoked nor
// expired at now.
func (s *Store) LookupActive(ctx context.Context, tokenID string, now time.Time) (*Credential, error) {
	c, err := s.Lookup(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !c.Active(now) {
		return nil, failure.ErrRefreshNotFound
	}
	return c, nil
}

// Revoke marks tokenID revoked. It reports true only to the caller whose
// update flipped the flag; repeated or concurrent calls observe false.
func (s *Store) Revoke(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	res, err := revokeLua.Run(ctx, s.redis, []string{s.key(tokenID)}, now.UnixMilli()).Int64()
	if err != nil {
		return false, failure.Unavailable(err)
	}
	return res == 1, nil
}

// RevokeAll revokes every live credential of accountID and returns how many
// were flipped by this call.
func (s *Store) RevokeAll(ctx context.Context, accountID string, now time.Time) (int, error) {
	res, err := revokeAllLua.Run(ctx, s.redis,
		[]string{s.accountKey(accountID)},
		s.prefix+"rt:", now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, failure.Unavailable(err)
	}
	return int(res), nil
}

// ListActive returns non-revoked, unexpired credentials of accountID, newest
// first. Index entries pointing at purged records are pruned.
func (s *Store) ListActive(ctx context.Context, accountID string, now time.Time) ([]Credential, error) {
	accountKey := s.accountKey(accountID)
	ids, err := s.redis.SMembers(ctx, accountKey).Result()
	if err != nil {
		return nil, failure.Unavailable(err)
	}
	if len(ids) == 0 {
		return []Credential{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, failure.Unavailable(err)
	}

	out := make([]Credential, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		values, err := cmd.Result()
		if err != nil {
			return nil, failure.Unavailable(err)
		}
		if len(values) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		c, err := decode(ids[i], values)
		if err != nil {
			return nil, err
		}
		if c.Active(now) {
			out = append(out, *c)
		}
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, accountKey, stale...).Err(); err != nil {
			return nil, failure.Unavailable(err)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func encode(c *Credential) map[string]interface{} {
	revoked := "0"
	if c.Revoked {
		revoked = "1"
	}
	m := map[string]interface{}{
		fieldAccount:   c.AccountID,
		fieldHash:      c.Hash,
		fieldGen:       strconv.FormatUint(c.Generation, 10),
		fieldRevoked:   revoked,
		fieldCreatedAt: c.CreatedAt.UnixMilli(),
		fieldExpiresAt: c.ExpiresAt.UnixMilli(),
		fieldUA:        c.Device.UserAgent,
		fieldIP:        c.Device.IP,
		fieldLabel:     c.Device.Label,
	}
	if !c.RevokedAt.IsZero() {
		m[fieldRevokedAt] = c.RevokedAt.UnixMilli()
	}
	return m
}

func decode(tokenID string, v map[string]string) (*Credential, error) {
	gen, err := strconv.ParseUint(v[fieldGen], 10, 64)
	if err != nil {
		return nil, errCorrupt(tokenID, fieldGen)
	}
	created, err := parseMillis(v[fieldCreatedAt])
	if err != nil {
		return nil, errCorrupt(tokenID, fieldCreatedAt)
	}
	expires, err := parseMillis(v[fieldExpiresAt])
	if err != nil {
		return nil, errCorrupt(tokenID, fieldExpiresAt)
	}
	c := &Credential{
		TokenID:    tokenID,
		AccountID:  v[fieldAccount],
		Hash:       v[fieldHash],
		Generation: gen,
		Revoked:    v[fieldRevoked] == "1",
		CreatedAt:  created,
		ExpiresAt:  expires,
		Device: DeviceMeta{
			UserAgent: v[fieldUA],
			IP:        v[fieldIP],
			Label:     v[fieldLabel],
		},
	}
	if raw, ok := v[fieldRevokedAt]; ok && raw != "" {
		if c.RevokedAt, err = parseMillis(raw); err != nil {
			return nil, errCorrupt(tokenID, fieldRevokedAt)
		}
	}
	return c, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func errCorrupt(tokenID, field string) error {
	return failure.Unavailable(errors.New("refresh: corrupt field " + field + " in credential " + tokenID))
}
