package validation

// Code identifies why a message or action was rejected by the trust layer.
type Code string

const (
	CodeNone              Code = ""
	CodeMalformed         Code = "malformed"
	CodeUnknownType       Code = "unknown_type"
	CodeOversized         Code = "oversized"
	CodeRateLimited       Code = "rate_limited"
	CodeTimestampDrift    Code = "timestamp_drift"
	CodeReplayed          Code = "replayed"
	CodeTimestampCollide  Code = "timestamp_collision"
	CodeIdentityMismatch  Code = "identity_mismatch"
	CodeIdentityConflict  Code = "identity_conflict"
	CodeUnbound           Code = "unbound_connection"
	CodeMaliciousPayload  Code = "malicious_payload"
	CodeDuplicateContent  Code = "duplicate_content"
	CodeSpamPattern       Code = "spam_pattern"
	CodeQuarantined       Code = "quarantined"
	CodeNotHost           Code = "not_host"
	CodeBadHostPayload    Code = "bad_host_payload"
	CodeUnknownSession    Code = "unknown_session"
	CodeSessionEnded      Code = "session_ended"
	CodeInvalidPhase      Code = "invalid_phase"
	CodeInvalidRound      Code = "invalid_round"
	CodeDuplicateDecision Code = "duplicate_decision"
	CodeResultMismatch    Code = "result_mismatch"
	CodeScoreOutOfRange   Code = "score_out_of_range"
	CodeDecisionMismatch  Code = "decision_count_mismatch"
	CodeImpossibleTiming  Code = "impossible_timing"
	CodeFutureTimestamp   Code = "future_timestamp"
	CodePlayerBlocked     Code = "player_blocked"
	CodeCodeExhausted     Code = "code_space_exhausted"
)

// RiskLevel grades how suspicious a rejection is for audit triage.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Result is the uniform outcome contract shared by every validator in the
// trust layer. Callers branch on Valid and surface Message to clients; the
// ShouldBlock and ShouldLog hints are honoured by the transport and audit
// layers respectively.
type Result struct {
	Valid       bool      `json:"valid"`
	Code        Code      `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	Risk        RiskLevel `json:"risk,omitempty"`
	ShouldBlock bool      `json:"should_block,omitempty"`
	ShouldLog   bool      `json:"should_log,omitempty"`
}

// Accept returns the canonical passing result.
func Accept() Result {
	return Result{Valid: true}
}

// Reject builds a failing result with the supplied code and client-safe message.
func Reject(code Code, message string) Result {
	return Result{Valid: false, Code: code, Message: message, Risk: RiskLow}
}

// WithRisk overrides the risk grading on a copy of the result.
func (r Result) WithRisk(level RiskLevel) Result {
	r.Risk = level
	return r
}

// Blocking marks the result as warranting a temporary connection quarantine.
func (r Result) Blocking() Result {
	r.ShouldBlock = true
	return r
}

// Logged marks the result for persistence in the security audit journal.
func (r Result) Logged() Result {
	r.ShouldLog = true
	return r
}
