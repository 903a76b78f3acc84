// Package bucket implements the pure token-bucket arithmetic shared by the
// limiter and the stream aggregator. Every quantity is an integer count of
// millitokens (tokens * 1000) so that refill rates like "100 tokens / 60s"
// divide exactly instead of accumulating floating-point drift. Nothing in
// this package performs I/O; callers own persistence and retry.
package bucket

import "math"

// Params describes one named limit's static configuration. All fields are
// already in millitoken/millisecond units so arithmetic never needs to
// convert mid-expression.
type Params struct {
	CapacityMilli     int64
	BurstMilli        int64
	RefillAmountMilli int64
	RefillPeriodMs    int64
}

// State is the mutable per-limit portion of a bucket. The refill timestamp
// is shared across every limit in a composite bucket item (spec: one `rf`
// per bucket row), so it is threaded through separately by callers that
// hold several States for one entity/resource pair.
type State struct {
	TokensMilli  int64
	LastRefillMs int64
}

// Refill projects state forward to now, applying elapsed-time refill and
// capping at burst. It never mutates its argument and is monotonic in
// now_ms: calling it twice with non-decreasing now_ms never decreases
// TokensMilli (for equal now_ms, id result).
func Refill(state State, params Params, nowMs int64) State {
	elapsed := nowMs - state.LastRefillMs
	if elapsed < 0 {
		elapsed = 0
	}
	var added int64
	if params.RefillPeriodMs > 0 {
		added = elapsed * params.RefillAmountMilli / params.RefillPeriodMs
	}
	tokens := state.TokensMilli + added
	if tokens > params.BurstMilli {
		tokens = params.BurstMilli
	}
	return State{TokensMilli: tokens, LastRefillMs: nowMs}
}

// CalculateAvailable returns the projected token balance at now_ms without
// persisting it; a read-only preview used by status/inspection paths.
func CalculateAvailable(state State, params Params, nowMs int64) int64 {
	return Refill(state, params, nowMs).TokensMilli
}

// ConsumeResult is the outcome of a single-limit consume attempt.
type ConsumeResult struct {
	OK                bool
	NewTokensMilli    int64
	AvailableMilli    int64 // balance after refill, before this consume was applied
	RetryAfterSeconds float64
}

// TryConsume refills state to now_ms, then attempts to subtract
// requested*1000 millitokens. On failure state is still refilled (the
// caller may choose to persist the refill even on a rejected request) and
// RetryAfterSeconds holds the wait until this exact request would succeed
// from refill alone.
func TryConsume(state State, params Params, requestedTokens int64, nowMs int64) ConsumeResult {
	refilled := Refill(state, params, nowMs)
	requestedMilli := requestedTokens * 1000

	if refilled.TokensMilli >= requestedMilli {
		return ConsumeResult{
			OK:             true,
			NewTokensMilli: refilled.TokensMilli - requestedMilli,
			AvailableMilli: refilled.TokensMilli,
		}
	}

	deficitMilli := requestedMilli - refilled.TokensMilli
	return ConsumeResult{
		OK:                false,
		NewTokensMilli:    refilled.TokensMilli,
		AvailableMilli:    refilled.TokensMilli,
		RetryAfterSeconds: retryAfterSeconds(deficitMilli, params),
	}
}

// ForceConsume refills state to now_ms, then applies an unchecked
// millitoken delta (deltaMilli may be negative to refund). It never fails
// and never waits; this is the primitive behind Lease.Adjust, which must
// be able to push a bucket into debt for post-hoc reconciliation.
func ForceConsume(state State, params Params, deltaMilli int64, nowMs int64) State {
	refilled := Refill(state, params, nowMs)
	refilled.TokensMilli -= deltaMilli
	return refilled
}

// retryAfterSeconds computes the wall-clock delay until deficitMilli would
// be replenished by refill alone. A non-positive refill rate never
// recovers, so it reports +Inf rather than a misleadingly finite number.
func retryAfterSeconds(deficitMilli int64, params Params) float64 {
	if params.RefillAmountMilli <= 0 || params.RefillPeriodMs <= 0 {
		return math.Inf(1)
	}
	return float64(deficitMilli) * float64(params.RefillPeriodMs) / float64(params.RefillAmountMilli) / 1000.0
}

// LimitCheck bundles one limit's name, params, state, and requested amount
// so multi-limit helpers can operate on a whole acquire request at once.
type LimitCheck struct {
	Name      string
	Params    Params
	State     State
	Requested int64 // whole tokens
}

// LimitOutcome is the per-limit result surfaced in RateLimitExceeded and in
// the acquire success path.
type LimitOutcome struct {
	Name              string
	Passed            bool
	AvailableMilli    int64
	RequestedMilli    int64
	RetryAfterSeconds float64
	CapacityMilli     int64
	BurstMilli        int64
}

// WouldRefillSatisfy is a pure preview over a whole acquire request: given
// the in-memory (possibly stale) states, would every limit pass if
// refilled to now_ms? It does not mutate any state; it is used by the
// acquire retry path to decide whether a freshly-read bucket would now
// admit the request before spending another round trip on a write.
func WouldRefillSatisfy(checks []LimitCheck, nowMs int64) (ok bool, outcomes []LimitOutcome) {
	outcomes = make([]LimitOutcome, len(checks))
	ok = true
	for i, c := range checks {
		res := TryConsume(c.State, c.Params, c.Requested, nowMs)
		outcomes[i] = LimitOutcome{
			Name:              c.Name,
			Passed:            res.OK,
			AvailableMilli:    res.AvailableMilli,
			RequestedMilli:    c.Requested * 1000,
			RetryAfterSeconds: res.RetryAfterSeconds,
			CapacityMilli:     c.Params.CapacityMilli,
			BurstMilli:        c.Params.BurstMilli,
		}
		if !res.OK {
			ok = false
		}
	}
	return ok, outcomes
}

// MaxRetryAfter returns the maximum RetryAfterSeconds across outcomes that
// did not pass, i.e. the retry-after for a multi-limit request as defined
// by spec: "the maximum over all violated limits".
func MaxRetryAfter(outcomes []LimitOutcome) float64 {
	var max float64
	for _, o := range outcomes {
		if !o.Passed && o.RetryAfterSeconds > max {
			max = o.RetryAfterSeconds
		}
	}
	return max
}
