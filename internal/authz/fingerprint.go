package authz

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// Fingerprint is the deterministic Decision Cache key: a hash of the
// principal, action, resource, capability, a normalized subset of the
// context, and the active policy-corpus version.
//
// The normalization function is frozen here per the decision recorded in
// DESIGN.md: the request id and exact timestamp are excluded (every request
// would otherwise be unique and caching would be defeated), but a coarse
// client-IP prefix, an hour-of-day bucket, and whether an emergency
// override is present are retained, so time-window and CIDR policies still
// land in distinct cache buckets across boundaries.
type Fingerprint string

// normalizedContext is the hashed projection of Context.
type normalizedContext struct {
	ipPrefix        string
	hourOfDayBucket int
	hasOverride     bool
}

func normalizeContext(c Context) normalizedContext {
	return normalizedContext{
		ipPrefix:        ipPrefix(c.ClientIP),
		hourOfDayBucket: c.Timestamp.UTC().Hour(),
		hasOverride:     c.EmergencyOverride != nil,
	}
}

// ipPrefix truncates an IPv4 address to its /24 and an IPv6 address to its
// /48, matching the coarse bucketing CIDR policies need without making
// every client address unique.
func ipPrefix(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return "invalid"
	}
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return v4.Mask(mask).String()
	}
	mask := net.CIDRMask(48, 128)
	return ip.Mask(mask).String()
}

// ComputeFingerprint hashes the evaluation identity of in against
// policyCorpusVersion. Two AuthInputs that differ only in RequestID, exact
// timestamp, or parameter values hash identically. Parameters are excluded
// even though expression and script policies can read them, so a cached
// Decision is reused for a request that differs from the evaluated one only
// in parameter values. The sensitive-key redaction reads parameters only
// after the decision is made.
func ComputeFingerprint(in AuthInput, policyCorpusVersion int64) Fingerprint {
	nc := normalizeContext(in.Context)

	resourceID := ""
	if in.Resource != nil {
		resourceID = in.Resource.ID
	}
	capabilityID := ""
	if in.Capability != nil {
		capabilityID = in.Capability.ID
	}
	principalID := ""
	if in.Principal != nil {
		principalID = in.Principal.ID
	}

	h := sha256.New()
	fmt.Fprintf(h, "v=%d|p=%s|a=%s|r=%s|c=%s|ip=%s|hr=%d|ovr=%t",
		policyCorpusVersion, principalID,
		in.Action, resourceID, capabilityID, nc.ipPrefix, nc.hourOfDayBucket, nc.hasOverride)
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
