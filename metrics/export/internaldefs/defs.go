package internaldefs

import "github.com/MrEthical07/authcore"

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for exporters.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricPairIssued, Name: "authcore_token_pair_issued_total", Help: "Issued access and refresh token pairs."},
	{ID: authcore.MetricRefreshRotated, Name: "authcore_refresh_rotated_total", Help: "Successful refresh token rotations."},
	{ID: authcore.MetricRefreshReuse, Name: "authcore_refresh_reuse_detected_total", Help: "Refresh token reuses that revoked every session of an account."},
	{ID: authcore.MetricRefreshMismatch, Name: "authcore_refresh_mismatch_total", Help: "Refresh tokens that did not match their stored credential."},
	{ID: authcore.MetricRefreshNotFound, Name: "authcore_refresh_not_found_total", Help: "Refresh tokens with no live credential."},
	{ID: authcore.MetricStaleSession, Name: "authcore_stale_session_total", Help: "Refresh attempts rejected for an outdated account generation."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logout operations."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Logout-all operations."},
	{ID: authcore.MetricOTPSent, Name: "authcore_otp_sent_total", Help: "One-time codes issued."},
	{ID: authcore.MetricOTPVerified, Name: "authcore_otp_verified_total", Help: "One-time codes consumed."},
	{ID: authcore.MetricOTPIncorrect, Name: "authcore_otp_incorrect_total", Help: "Incorrect one-time code submissions."},
	{ID: authcore.MetricOTPExhausted, Name: "authcore_otp_attempts_exceeded_total", Help: "One-time codes invalidated by the attempt cap."},
	{ID: authcore.MetricOTPCooldown, Name: "authcore_otp_cooldown_total", Help: "Code requests rejected inside the resend cooldown."},
	{ID: authcore.MetricRegister, Name: "authcore_register_total", Help: "Accounts created."},
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful sign-ins."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed sign-ins."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Sign-ins rejected by the failed-login throttle."},
	{ID: authcore.MetricIdentityLogin, Name: "authcore_identity_login_total", Help: "External identity sign-ins."},
	{ID: authcore.MetricResetRequested, Name: "authcore_password_reset_request_total", Help: "Password reset requests for known accounts."},
	{ID: authcore.MetricPasswordReset, Name: "authcore_password_reset_total", Help: "Completed password resets."},
	{ID: authcore.MetricPasswordChanged, Name: "authcore_password_change_total", Help: "Password changes by signed-in accounts."},
	{ID: authcore.MetricAccessValid, Name: "authcore_access_valid_total", Help: "Access tokens accepted."},
	{ID: authcore.MetricAccessRejected, Name: "authcore_access_rejected_total", Help: "Access tokens rejected."},
	{ID: authcore.MetricNotifyFailed, Name: "authcore_notify_failed_total", Help: "Best-effort notifications that could not be delivered."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "Access token validation latency."},
}

// AuditDroppedName is the counter of audit events lost to backpressure.
const (
	AuditDroppedName = "authcore_audit_dropped_total"
	AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."
)

// HistogramBounds are the finite upper bounds in seconds. The last engine
// bucket is +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters that
// flatten buckets into gauges.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the engine bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
