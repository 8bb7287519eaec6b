package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded  = errors.New("quota requests exceeded")
	ErrQuotaPrincipalExceeded = errors.New("quota principal cap exceeded")
	ErrQuotaCounterOverflow   = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an identity.
type QuotaNow struct {
	ReqCount      uint32
	PrincipalUsed uint64
	EpochID       uint64
}

// Quota defines the limits enforced for a module interaction per identity.
// A zero field disables that limit.
type Quota struct {
	MaxRequestsPerEpoch  uint32
	MaxPrincipalPerEpoch uint64
	EpochSeconds         uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || q.MaxPrincipalPerEpoch > 0
}

// CheckQuota verifies whether the additional request and principal usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addPrincipal uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addPrincipal > 0 {
		if next.PrincipalUsed > math.MaxUint64-addPrincipal {
			return prev, ErrQuotaCounterOverflow
		}
		next.PrincipalUsed += addPrincipal
	}
	if q.MaxPrincipalPerEpoch > 0 && next.PrincipalUsed > q.MaxPrincipalPerEpoch {
		return prev, ErrQuotaPrincipalExceeded
	}

	return next, nil
}
