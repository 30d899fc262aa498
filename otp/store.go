package otp

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/internal/failure"
)

// DefaultRetention keeps records around for an hour past expiry for audit
// and debugging before Redis purges them.
const DefaultRetention = time.Hour

// createScript supersedes whatever record the pointers reference, writes the
// new record and repoints both indexes at it, in one step.
//
// KEYS[1] = account pointer, KEYS[2] = email pointer, KEYS[3] = record key
// ARGV[1] = record key prefix, ARGV[2] = record id, ARGV[3] = ttl ms,
// ARGV[4..] = field/value pairs
const createScript = `
local superseded = 0
for i = 1, 2 do
  local prev = redis.call("GET", KEYS[i])
  if prev and prev ~= ARGV[2] then
    local prevKey = ARGV[1] .. prev
    if redis.call("EXISTS", prevKey) == 1 and redis.call("HGET", prevKey, "used") ~= "1" then
      redis.call("HSET", prevKey, "used", "1")
      superseded = superseded + 1
    end
  end
end
redis.call("HSET", KEYS[3], unpack(ARGV, 4))
redis.call("PEXPIRE", KEYS[3], ARGV[3])
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return superseded
`

var createLua = redis.NewScript(createScript)

const incrementAttemptsScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`

var incrementAttemptsLua = redis.NewScript(incrementAttemptsScript)

const markUsedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "used") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "used", "1")
return 1
`

var markUsedLua = redis.NewScript(markUsedScript)

// Store persists OTP records in Redis.
//
// Records live at <prefix>otp:<id>. Two pointers locate the pending record:
// <prefix>otpact:<account>:<purpose> and <prefix>otpemail:<email>:<purpose>.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates an OTP store. retention is how long a record is kept
// after it expires; zero selects DefaultRetention.
func NewStore(rdb redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{redis: rdb, prefix: prefix, retention: retention}
}

func (s *Store) recordPrefix() string { return s.prefix + "otp:" }

func (s *Store) key(id string) string { return s.recordPrefix() + id }

func (s *Store) accountKey(accountID string, purpose Purpose) string {
	return s.prefix + "otpact:" + accountID + ":" + string(purpose)
}

func (s *Store) emailKey(email string, purpose Purpose) string {
	return s.prefix + "otpemail:" + strings.ToLower(strings.TrimSpace(email)) + ":" + string(purpose)
}

// Create persists r, superseding the previously pending record for the same
// (account, purpose) and (email, purpose). It returns the number of records
// superseded.
func (s *Store) Create(ctx context.Context, r *Record, now time.Time) (int, error) {
	if r == nil || r.ID == "" || r.AccountID == "" || r.Email == "" || r.CodeHash == "" || !r.Purpose.Valid() {
		return 0, errors.New("otp: incomplete record")
	}
	ttl := r.ExpiresAt.Sub(now) + s.retention
	if ttl <= 0 {
		return 0, errors.New("otp: record already past retention")
	}

	args := []interface{}{s.recordPrefix(), r.ID, ttl.Milliseconds()}
	args = append(args, encode(r)...)
	res, err := createLua.Run(ctx, s.redis,
		[]string{s.accountKey(r.AccountID, r.Purpose), s.emailKey(r.Email, r.Purpose), s.key(r.ID)},
		args...,
	).Int64()
	if err != nil {
		return 0, failure.Unavailable(err)
	}
	return int(res), nil
}

// Get loads a record by id in any state.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	values, err := s.redis.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, failure.Unavailable(err)
	}
	if len(values) == 0 {
		return nil, failure.ErrOTPNotFoundOrExpired
	}
	return decode(id, values)
}

// Pending returns the single unused, unexpired record for (email, purpose).
func (s *Store) Pending(ctx context.Context, email string, purpose Purpose, now time.Time) (*Record, error) {
	return s.pendingAt(ctx, s.emailKey(email, purpose), now)
}

// PendingForAccount returns the single unused, unexpired record for
// (account, purpose).
func (s *Store) PendingForAccount(ctx context.Context, accountID string, purpose Purpose, now time.Time) (*Record, error) {
	return s.pendingAt(ctx, s.accountKey(accountID, purpose), now)
}

func (s *Store) pendingAt(ctx context.Context, pointer string, now time.Time) (*Record, error) {
	id, err := s.redis.Get(ctx, pointer).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, failure.ErrOTPNotFoundOrExpired
		}
		return nil, failure.Unavailable(err)
	}
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Pending(now) {
		return nil, failure.ErrOTPNotFoundOrExpired
	}
	return r, nil
}

// IncrementAttempts atomically bumps the attempt counter and returns the new
// value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	n, err := incrementAttemptsLua.Run(ctx, s.redis, []string{s.key(id)}).Int64()
	if err != nil {
		return 0, failure.Unavailable(err)
	}
	if n < 0 {
		return 0, failure.ErrOTPNotFoundOrExpired
	}
	return int(n), nil
}

// MarkUsed consumes the record. It reports false when another caller
// already consumed or superseded it.
func (s *Store) MarkUsed(ctx context.Context, id string) (bool, error) {
	n, err := markUsedLua.Run(ctx, s.redis, []string{s.key(id)}).Int64()
	if err != nil {
		return false, failure.Unavailable(err)
	}
	return n == 1, nil
}

func encode(r *Record) []interface{} {
	used := "0"
	if r.Used {
		used = "1"
	}
	return []interface{}{
		"account_id", r.AccountID,
		"email", strings.ToLower(strings.TrimSpace(r.Email)),
		"purpose", string(r.Purpose),
		"code_hash", r.CodeHash,
		"attempts", strconv.Itoa(r.Attempts),
		"used", used,
		"created_at", strconv.FormatInt(r.CreatedAt.UnixMilli(), 10),
		"expires_at", strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10),
		"resend_at", strconv.FormatInt(r.ResendAllowedAt.UnixMilli(), 10),
	}
}

func decode(id string, v map[string]string) (*Record, error) {
	attempts, err := strconv.Atoi(v["attempts"])
	if err != nil {
		return nil, corrupt(id, "attempts")
	}
	r := &Record{
		ID:        id,
		AccountID: v["account_id"],
		Email:     v["email"],
		Purpose:   Purpose(v["purpose"]),
		CodeHash:  v["code_hash"],
		Attempts:  attempts,
		Used:      v["used"] == "1",
	}
	for field, dst := range map[string]*time.Time{
		"created_at": &r.CreatedAt,
		"expires_at": &r.ExpiresAt,
		"resend_at":  &r.ResendAllowedAt,
	} {
		ms, err := strconv.ParseInt(v[field], 10, 64)
		if err != nil {
			return nil, corrupt(id, field)
		}
		*dst = time.UnixMilli(ms)
	}
	return r, nil
}

func corrupt(id, field string) error {
	return failure.Unavailable(errors.New("otp: corrupt field " + field + " in record " + id))
}
