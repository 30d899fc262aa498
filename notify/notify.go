// Package notify delivers account notifications (verification codes, reset
// links, welcome and security notices).
//
// A Publisher hands a job to a reliable asynchronous channel and a Sender
// delivers it directly. Fallback tries the publisher first and sends
// directly when the channel reports non-delivery or fails, so a code is
// only ever delayed by transport trouble, never lost.
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/internal/failure"
)

var errSenderMissing = errors.New("notify: no direct sender configured")

// JobType names the notification template.
type JobType string

const (
	JobVerificationCode JobType = "otp.email_verification"
	JobResetCode        JobType = "otp.forgot_password"
	JobResetLink        JobType = "password.reset_link"
	JobWelcome          JobType = "account.welcome"
	JobPasswordChanged  JobType = "account.password_changed"
)

// Payload keys.
const (
	KeyName      = "name"
	KeyCode      = "code"
	KeyLink      = "link"
	KeyExpiresIn = "expires_in"
)

// Job is one notification addressed to an email.
type Job struct {
	Type    JobType           `json:"type"`
	To      string            `json:"to"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Publisher enqueues a job on a reliable channel. delivered=false or a
// non-nil error means the caller should send directly.
type Publisher interface {
	Publish(ctx context.Context, job Job) (delivered bool, err error)
}

// Sender delivers a job synchronously.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// Dispatcher is what the engine calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Fallback publishes through primary and falls back to direct.
type Fallback struct {
	primary Publisher
	direct  Sender
	logger  *zap.Logger
}

// NewFallback returns a dispatcher over primary and direct. primary may be
// nil, in which case every job is sent directly.
func NewFallback(primary Publisher, direct Sender, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{primary: primary, direct: direct, logger: logger}
}

// Dispatch implements Dispatcher. It fails with failure.ErrUnavailable only
// when both paths fail.
func (f *Fallback) Dispatch(ctx context.Context, job Job) error {
	if f.primary != nil {
		delivered, err := f.primary.Publish(ctx, job)
		if err == nil && delivered {
			return nil
		}
		f.logger.Warn("notification channel unavailable, sending directly",
			zap.String("job_type", string(job.Type)),
			zap.Bool("delivered", delivered),
			zap.Error(err),
		)
	}
	if f.direct == nil {
		return failure.Unavailable(errSenderMissing)
	}
	if err := f.direct.Send(ctx, job); err != nil {
		return failure.Unavailable(err)
	}
	return nil
}

// Memory is an in-process Sender and Publisher that records jobs. Tests and
// the load test use it in place of a mail server.
type Memory struct {
	mu   sync.Mutex
	jobs []Job

	// Reject makes Publish report non-delivery.
	Reject bool
}

// Send implements Sender.
func (m *Memory) Send(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

// Publish implements Publisher.
func (m *Memory) Publish(ctx context.Context, job Job) (bool, error) {
	if m.Reject {
		return false, nil
	}
	return true, m.Send(ctx, job)
}

// Jobs returns a copy of everything recorded so far.
func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}

// Last returns the most recent job of type t sent to to.
func (m *Memory) Last(t JobType, to string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if m.jobs[i].Type == t && m.jobs[i].To == to {
			return m.jobs[i], true
		}
	}
	return Job{}, false
}
