package cmd

import (
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// limitFlags collects the flags shared by every "set-limits"/"set-defaults"
// command: one named limit, in whole tokens/seconds, with the same
// capacity/burst/refill_amount/refill_period defaulting rules the
// declarative manifest applier uses.
type limitFlags struct {
	name                string
	capacity            int64
	burst               int64
	refillAmount        int64
	refillPeriodSeconds int64
}

func (f limitFlags) toConfigRecord(scope store.ConfigScope, resource, entityID, onUnavailable string) (store.ConfigRecord, error) {
	if f.name == "" {
		return store.ConfigRecord{}, argErrorf("--limit is required")
	}
	if f.capacity <= 0 {
		return store.ConfigRecord{}, argErrorf("--capacity must be positive")
	}
	burst := f.burst
	if burst == 0 {
		burst = f.capacity
	}
	refillAmount := f.refillAmount
	if refillAmount == 0 {
		refillAmount = f.capacity
	}
	refillPeriod := f.refillPeriodSeconds
	if refillPeriod == 0 {
		refillPeriod = 60
	}
	const milli = 1000
	return store.ConfigRecord{
		Scope:         scope,
		Resource:      resource,
		EntityID:      entityID,
		OnUnavailable: onUnavailable,
		Limits: map[string]store.BucketCounters{
			f.name: {
				CapacityMilli:     f.capacity * milli,
				BurstMilli:        burst * milli,
				RefillAmountMilli: refillAmount * milli,
				RefillPeriodMs:    refillPeriod * milli,
			},
		},
	}, nil
}

func registerLimitFlags(c interface {
	StringVar(*string, string, string, string)
	Int64Var(*int64, string, int64, string)
}, f *limitFlags) {
	c.StringVar(&f.name, "limit", "", "named limit to set, e.g. rpm")
	c.Int64Var(&f.capacity, "capacity", 0, "bucket capacity in whole tokens (required)")
	c.Int64Var(&f.burst, "burst", 0, "burst ceiling in whole tokens (defaults to capacity)")
	c.Int64Var(&f.refillAmount, "refill-amount", 0, "tokens added per refill period (defaults to capacity)")
	c.Int64Var(&f.refillPeriodSeconds, "refill-period", 0, "refill period in seconds (defaults to 60)")
}
