package authcore

import (
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authcore/internal/flows"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricPairIssued MetricID = iota
	MetricRefreshRotated
	MetricRefreshReuse
	MetricRefreshMismatch
	MetricRefreshNotFound
	MetricStaleSession
	MetricLogout
	MetricLogoutAll
	MetricOTPSent
	MetricOTPVerified
	MetricOTPIncorrect
	MetricOTPExhausted
	MetricOTPCooldown
	MetricRegister
	MetricLoginSuccess
	MetricLoginFailure
	MetricLoginRateLimited
	MetricIdentityLogin
	MetricResetRequested
	MetricPasswordReset
	MetricPasswordChanged
	MetricAccessValid
	MetricAccessRejected
	MetricNotifyFailed
	MetricValidateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters plus one latency histogram
// for access token validation.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters that are no-ops unless cfg.Enabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the validation histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into the histogram of id. Only MetricValidateLatency
// carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricValidateLatency {
		return
	}
	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current count of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. A disabled instance yields empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricValidateLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}
	return s
}

// flowMetrics maps the engine counters onto the ids flows increment.
func flowMetrics() flows.Metrics {
	return flows.Metrics{
		PairIssued:       int(MetricPairIssued),
		RefreshRotated:   int(MetricRefreshRotated),
		RefreshReuse:     int(MetricRefreshReuse),
		RefreshMismatch:  int(MetricRefreshMismatch),
		RefreshNotFound:  int(MetricRefreshNotFound),
		StaleSession:     int(MetricStaleSession),
		Logout:           int(MetricLogout),
		LogoutAll:        int(MetricLogoutAll),
		OTPSent:          int(MetricOTPSent),
		OTPVerified:      int(MetricOTPVerified),
		OTPIncorrect:     int(MetricOTPIncorrect),
		OTPExhausted:     int(MetricOTPExhausted),
		OTPCooldown:      int(MetricOTPCooldown),
		Register:         int(MetricRegister),
		LoginSuccess:     int(MetricLoginSuccess),
		LoginFailure:     int(MetricLoginFailure),
		LoginRateLimited: int(MetricLoginRateLimited),
		IdentityLogin:    int(MetricIdentityLogin),
		ResetRequested:   int(MetricResetRequested),
		PasswordReset:    int(MetricPasswordReset),
		PasswordChanged:  int(MetricPasswordChanged),
		AccessValid:      int(MetricAccessValid),
		AccessRejected:   int(MetricAccessRejected),
		NotifyFailed:     int(MetricNotifyFailed),
	}
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
