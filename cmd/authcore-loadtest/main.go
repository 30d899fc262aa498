package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/password"
)

const loadPassword = "load-test-password"

type sessionState struct {
	accountID string
	access    string
	refresh   string
	mu        sync.Mutex
}

func main() {
	var (
		accounts    = flag.Int("accounts", 500, "number of signed-in accounts to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (validate + refresh)")
		racers      = flag.Int("racers", 32, "concurrent presenters of one refresh token in the race phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "aclt:", "key prefix")
	)
	flag.Parse()

	if *accounts <= 0 || *concurrency <= 0 || *ops <= 0 || *racers <= 1 {
		fmt.Fprintln(os.Stderr, "accounts, concurrency and ops must be > 0, racers > 1")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	cfg := authcore.DefaultConfig()
	cfg.RedisPrefix = *prefix
	cfg.JWT.PrivateKey = []byte("authcore-loadtest-signing-secret!")
	cfg.PasswordReset.Strategy = authcore.ResetOTP
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Security.MaxLoginAttempts = 0
	cfg.Metrics.EnableLatencyHistograms = true

	engine, err := authcore.New().WithConfig(cfg).WithRedis(client).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states, err := seed(ctx, client, engine, cfg, *accounts, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	validateStats := runValidatePhase(ctx, engine, states, *ops, *concurrency)
	refreshStats := runRefreshPhase(ctx, engine, states, *ops, *concurrency)
	winners, reuse := runRacePhase(ctx, engine, &states[0], *racers)

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)
	fmt.Printf("race: racers=%d winners=%d reuse_detected=%d\n", *racers, winners, reuse)

	snap := engine.MetricsSnapshot()
	fmt.Printf("counters: issued=%d rotated=%d reuse=%d\n",
		snap.Counters[authcore.MetricPairIssued],
		snap.Counters[authcore.MetricRefreshRotated],
		snap.Counters[authcore.MetricRefreshReuse],
	)
	if winners != 1 {
		fmt.Fprintf(os.Stderr, "expected exactly one rotation winner, got %d\n", winners)
		os.Exit(1)
	}
}

// seed creates verified accounts directly in the store with one shared
// password hash, then signs each in through the engine.
func seed(ctx context.Context, client redis.UniversalClient, engine *authcore.Engine, cfg authcore.Config, n, concurrency int) ([]sessionState, error) {
	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(loadPassword)
	if err != nil {
		return nil, err
	}
	store := account.NewRedisStore(client, cfg.RedisPrefix)

	fmt.Printf("seeding %d accounts...\n", n)
	start := time.Now()
	states := make([]sessionState, n)

	var (
		wg       sync.WaitGroup
		cursor   int64
		firstErr error
		errOnce  sync.Once
	)
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= n {
					return
				}
				email := fmt.Sprintf("load-%d@example.com", i)
				now := time.Now()
				acct := &account.Account{
					ID:           uuid.NewString(),
					Email:        email,
					Role:         account.RoleUser,
					PasswordHash: hash,
					Verified:     true,
					Active:       true,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := store.Create(ctx, acct); err != nil {
					errOnce.Do(func() { firstErr = fmt.Errorf("create %s: %w", email, err) })
					return
				}
				res, err := engine.Login(ctx, authcore.LoginInput{Email: email, Password: loadPassword}, authcore.DeviceMeta{Label: "loadtest"})
				if err != nil {
					errOnce.Do(func() { firstErr = fmt.Errorf("login %s: %w", email, err) })
					return
				}
				states[i].accountID = acct.ID
				states[i].access = res.Tokens.AccessToken
				states[i].refresh = res.Tokens.RefreshToken
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))
	return states, nil
}

func runValidatePhase(ctx context.Context, engine *authcore.Engine, states []sessionState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]
				state.mu.Lock()
				access := state.access
				state.mu.Unlock()

				t0 := time.Now()
				_, err := engine.ValidateAccess(ctx, access)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func runRefreshPhase(ctx context.Context, engine *authcore.Engine, states []sessionState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]

				state.mu.Lock()
				t0 := time.Now()
				res, err := engine.Refresh(ctx, state.refresh, authcore.DeviceMeta{})
				d := time.Since(t0)
				if err == nil {
					state.refresh = res.Tokens.RefreshToken
					state.access = res.Tokens.AccessToken
				} else {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

// runRacePhase presents one refresh token from many goroutines at once.
// Exactly one rotation may succeed; the rest must see reuse.
func runRacePhase(ctx context.Context, engine *authcore.Engine, state *sessionState, racers int) (winners, reuse int64) {
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
	)
	token := state.refresh
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			_, err := engine.Refresh(ctx, token, authcore.DeviceMeta{})
			switch {
			case err == nil:
				atomic.AddInt64(&winners, 1)
			case errors.Is(err, authcore.ErrRefreshReuse):
				atomic.AddInt64(&reuse, 1)
			}
		}()
	}
	close(ready)
	wg.Wait()
	return winners, reuse
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
