package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/identity"
	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/notify"
	"github.com/MrEthical07/authcore/otp"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/refresh"
)

// Builder assembles an Engine. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	accounts  account.Store
	notifier  notify.Dispatcher
	identity  identity.Verifier
	logger    *zap.Logger
	now       func() time.Time
	auditSink AuditSink

	built bool
}

// New returns a builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing refresh credentials, codes and the login
// throttle. It is required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAccountStore overrides the account store. Accounts live in Redis
// when unset.
func (b *Builder) WithAccountStore(store account.Store) *Builder {
	b.accounts = store
	return b
}

// WithNotifier sets the notification dispatcher. Notifications are only
// logged when unset.
func (b *Builder) WithNotifier(d notify.Dispatcher) *Builder {
	b.notifier = d
	return b
}

// WithIdentityVerifier enables external-identity login.
func (b *Builder) WithIdentityVerifier(v identity.Verifier) *Builder {
	b.identity = v
	return b
}

// WithLogger sets the logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides time.Now for every expiry decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithAuditSink sets the audit sink and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the validation latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- TOKEN CODEC --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.Refresh.TTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	// -------- CREDENTIALS --------
	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}

	resetToken, err := nanoid.Standard(cfg.PasswordReset.TokenLength)
	if err != nil {
		return nil, fmt.Errorf("reset token: %w", err)
	}

	// -------- STORES --------
	accounts := b.accounts
	if accounts == nil {
		accounts = account.NewRedisStore(b.redis, cfg.RedisPrefix)
	}
	notifier := b.notifier
	if notifier == nil {
		notifier = notify.NewFallback(nil, notify.NewLogSender(logger), logger)
	}

	engine := &Engine{
		config:  cfg,
		metrics: NewMetrics(cfg.Metrics),
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink),
		logger: logger,
	}

	engine.flow = flows.New(flows.Deps{
		Codec:       jm,
		Refresh:     refresh.NewStore(b.redis, cfg.RedisPrefix),
		OTP:         otp.NewStore(b.redis, cfg.RedisPrefix, cfg.OTP.Retention),
		Accounts:    accounts,
		Credentials: ph,
		Notifier:    notifier,
		Identity:    b.identity,
		Limiter: rate.New(b.redis, cfg.RedisPrefix, rate.Config{
			MaxAttempts: cfg.Security.MaxLoginAttempts,
			Window:      cfg.Security.LoginWindow,
		}),
		Logger: logger,
		Policy: flows.Policy{
			OTPTTL:            cfg.OTP.TTL,
			OTPResendCooldown: cfg.OTP.ResendCooldown,
			OTPMaxAttempts:    cfg.OTP.MaxAttempts,
			ResetTTL:          cfg.PasswordReset.TTL,
			ResetStrategy:     cfg.PasswordReset.Strategy,
			ResetLinkBase:     cfg.PasswordReset.LinkBaseURL,
		},
		Now:           now,
		NewID:         uuid.NewString,
		NewResetToken: resetToken,
		MetricInc:     engine.metricInc,
		Emit:          engine.audit.Emit,
		Metrics:       flowMetrics(),
	})

	b.built = true
	return engine, nil
}
