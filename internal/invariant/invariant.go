// Package invariant implements the L0 checks: pure, fail-closed predicates
// that run before any rule logic. None of them touch global state or I/O;
// every input, including the current time, is passed explicitly.
package invariant

import (
	"math"
	"strconv"
	"strings"
	"time"

	"govoracle/internal/model"
)

const (
	IDSchemaHash     = "L0-001"
	IDPermissionBits = "L0-002"
	IDDrift          = "L0-003"
	IDNonceFreshness = "L0-004"
	IDContraction    = "L0-005"
)

const (
	DefaultDriftThreshold = 0.5
	DefaultNonceMaxAge    = 3600 * time.Second

	reservedPermissionMask = 0xF000
	maxPermissionValue     = 0xFFFF
)

type SchemaPin struct {
	Version string
	Hash    string
}

func result(id string, start time.Time, passed bool, msg, evidence string) model.InvariantResult {
	return model.InvariantResult{
		InvariantID: id,
		Passed:      passed,
		Message:     msg,
		Evidence:    evidence,
		LatencyNs:   time.Since(start).Nanoseconds(),
	}
}

// CheckSchemaHash passes only when schemaVersion is "<version>:<hash>" and
// both parts equal the pin exactly.
func CheckSchemaHash(schemaVersion string, pin SchemaPin) model.InvariantResult {
	start := time.Now()
	version, hash, ok := strings.Cut(schemaVersion, ":")
	if !ok || version == "" || hash == "" {
		return result(IDSchemaHash, start, false, "schema version is not <version>:<hash>", schemaVersion)
	}
	if pin.Version == "" || pin.Hash == "" {
		return result(IDSchemaHash, start, false, "no schema pin configured", schemaVersion)
	}
	if version != pin.Version || hash != pin.Hash {
		return result(IDSchemaHash, start, false, "schema hash mismatch", schemaVersion)
	}
	return result(IDSchemaHash, start, true, "schema hash matches", "")
}

// CheckPermissionBits fails when any reserved bit (12-15) is set or the
// value does not fit in 16 bits.
func CheckPermissionBits(bits int) model.InvariantResult {
	start := time.Now()
	if bits < 0 || bits > maxPermissionValue {
		return result(IDPermissionBits, start, false, "permission bits out of range", strconv.Itoa(bits))
	}
	if bits&reservedPermissionMask != 0 {
		return result(IDPermissionBits, start, false, "reserved permission bits set", "0x"+strconv.FormatInt(int64(bits), 16))
	}
	return result(IDPermissionBits, start, true, "permission bits within scope", "")
}

// CheckDrift passes iff |current-baseline|/baseline < threshold. A
// non-positive threshold selects DefaultDriftThreshold.
func CheckDrift(current, baseline, threshold float64) model.InvariantResult {
	start := time.Now()
	if threshold <= 0 || math.IsNaN(threshold) {
		threshold = DefaultDriftThreshold
	}
	if !finiteNonNegative(current) || !finiteNonNegative(baseline) || math.IsInf(threshold, 0) {
		return result(IDDrift, start, false, "drift inputs must be finite and non-negative", "")
	}
	if baseline == 0 {
		return result(IDDrift, start, false, "drift baseline is zero", "")
	}
	drift := math.Abs(current-baseline) / baseline
	if drift < threshold {
		return result(IDDrift, start, true, "drift within threshold", "")
	}
	return result(IDDrift, start, false, "drift exceeds threshold", strconv.FormatFloat(drift, 'f', 4, 64))
}

// CheckNonceFreshness passes iff 0 <= now-issuedAt < maxAge. A nonce issued
// in the future is treated as tampering.
func CheckNonceFreshness(issuedAt, now time.Time, maxAge time.Duration) model.InvariantResult {
	start := time.Now()
	if maxAge <= 0 {
		maxAge = DefaultNonceMaxAge
	}
	if issuedAt.IsZero() {
		return result(IDNonceFreshness, start, false, "nonce issue time missing", "")
	}
	age := now.Sub(issuedAt)
	if age < 0 {
		return result(IDNonceFreshness, start, false, "nonce issued in the future", age.String())
	}
	if age >= maxAge {
		return result(IDNonceFreshness, start, false, "nonce expired", age.String())
	}
	return result(IDNonceFreshness, start, true, "nonce fresh", "")
}

// CheckContraction requires witnessed evidence for any drop in FPR.
func CheckContraction(previousFPR, currentFPR float64, witnessEventCount, minRequiredEvents int) model.InvariantResult {
	start := time.Now()
	if !finiteNonNegative(previousFPR) || !finiteNonNegative(currentFPR) || witnessEventCount < 0 || minRequiredEvents < 0 {
		return result(IDContraction, start, false, "contraction inputs invalid", "")
	}
	if currentFPR >= previousFPR {
		return result(IDContraction, start, true, "no contraction", "")
	}
	if witnessEventCount >= minRequiredEvents {
		return result(IDContraction, start, true, "contraction witnessed", "")
	}
	return result(IDContraction, start, false, "contraction without sufficient witness events",
		strconv.Itoa(witnessEventCount)+"/"+strconv.Itoa(minRequiredEvents))
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

type Params struct {
	Schema               SchemaPin
	DriftThreshold       float64
	NonceMaxAge          time.Duration
	ContractionMinEvents int
}

// Evaluate runs every requested check in invariant id order. Per-request
// limits in in may only tighten Params: a lower drift threshold, a shorter
// nonce max age or a higher contraction witness minimum.
func Evaluate(in model.InvariantInputs, p Params, now time.Time) []model.InvariantResult {
	out := make([]model.InvariantResult, 0, 5)
	if in.SchemaVersion != nil {
		out = append(out, CheckSchemaHash(*in.SchemaVersion, p.Schema))
	}
	if in.PermissionBits != nil {
		out = append(out, CheckPermissionBits(*in.PermissionBits))
	}
	if in.Drift != nil {
		threshold := p.DriftThreshold
		if threshold <= 0 || math.IsNaN(threshold) {
			threshold = DefaultDriftThreshold
		}
		if t := in.Drift.Threshold; t != nil && *t > 0 && *t < threshold {
			threshold = *t
		}
		out = append(out, CheckDrift(in.Drift.Current, in.Drift.Baseline, threshold))
	}
	if in.Nonce != nil {
		maxAge := p.NonceMaxAge
		if maxAge <= 0 {
			maxAge = DefaultNonceMaxAge
		}
		if s := in.Nonce.MaxAgeSeconds; s > 0 && s < int64(maxAge/time.Second) {
			maxAge = time.Duration(s) * time.Second
		}
		out = append(out, CheckNonceFreshness(in.Nonce.IssuedAt, now, maxAge))
	}
	if in.Contraction != nil {
		minEvents := p.ContractionMinEvents
		if in.Contraction.MinRequiredEvents > minEvents {
			minEvents = in.Contraction.MinRequiredEvents
		}
		out = append(out, CheckContraction(in.Contraction.PreviousFPR, in.Contraction.CurrentFPR, in.Contraction.WitnessEventCount, minEvents))
	}
	return out
}
