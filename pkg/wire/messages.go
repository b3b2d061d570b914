// Package wire defines the message shapes exchanged with the Mixer server
// and the codec that translates between attribute.Bag and the
// dictionary-compressed Attributes message. The concrete transport
// (protobuf framing, gRPC streams) is out of scope; these are the payload
// contracts this library enforces regardless of framing.
package wire

import (
	"time"

	"google.golang.org/grpc/codes"
)

// Attributes is the dictionary-compressed wire form of an attribute.Bag.
// Every map is keyed by the attribute's integer dictionary index: a
// non-negative index refers to the global word list, a negative index
// refers to this message's Dictionary field.
type Attributes struct {
	// Dictionary holds, for each new per-client index introduced by this
	// message, the name it stands for. Only indices first used in this
	// message need to appear here — a receiver extends its running
	// per-client dictionary from it and never needs it repeated.
	Dictionary map[int32]string

	Strings    map[int32]string
	Int64s     map[int32]int64
	Doubles    map[int32]float64
	Bools      map[int32]bool
	Bytes      map[int32][]byte
	Timestamps map[int32]time.Time
	// Durations and StringMaps extend the spec's core four-scalar-plus-
	// timestamp set to cover the remaining attribute.Kind values (duration,
	// string-map) that the data model (spec §3) declares but the abbreviated
	// wire contract (spec §6) doesn't spell out maps for; included so
	// Encode/Decode round-trips for every Kind, not just the ones spec §6
	// enumerates.
	Durations  map[int32]time.Duration
	StringMaps map[int32]map[string]string
}

// QuotaParams is a single named quota request folded into a CheckRequest.
type QuotaParams struct {
	Amount     int64
	BestEffort bool
}

// CheckRequest is sent to evaluate a policy + quota decision.
type CheckRequest struct {
	Attributes Attributes
	Quotas     map[string]QuotaParams
}

// MatchCondition mirrors signature.Condition on the wire.
type MatchCondition int32

const (
	// MatchAbsence requires the named attribute/subkey to be absent.
	MatchAbsence MatchCondition = iota
	// MatchExact requires the named attribute's value to equal the one
	// observed at decision time.
	MatchExact
	// MatchRegex marks a match the server evaluated via regular
	// expression; no client implementation evaluates it, so references
	// containing it are never cacheable.
	MatchRegex
)

// AttributeMatch names one attribute (and optional map subkey) that
// participated in a Check decision.
type AttributeMatch struct {
	Name      int32
	HasMapKey bool
	MapKey    int32
	Condition MatchCondition
}

// ReferencedAttributes is the server's declaration of which attributes
// influenced a specific decision.
type ReferencedAttributes struct {
	Words            []string
	AttributeMatches []AttributeMatch
}

// PreconditionResult is the policy-evaluation half of a CheckResponse.
type PreconditionResult struct {
	Code          codes.Code
	Message       string
	ValidDuration time.Duration
	ValidUseCount int32
	Referenced    *ReferencedAttributes
}

// QuotaResult is the per-quota-name outcome of a CheckResponse.
type QuotaResult struct {
	GrantedAmount int64
	ValidDuration time.Duration
}

// CheckResponse is the server's answer to a CheckRequest.
type CheckResponse struct {
	Precondition PreconditionResult
	Quotas       map[string]QuotaResult
}

// ReportRequest carries one or more attribute sets describing completed
// requests, batched together by ReportBatch.
type ReportRequest struct {
	Attributes []Attributes
}

// ReportResponse acknowledges a ReportRequest. The client discards it on
// the success path; only transport-level failure is logged.
type ReportResponse struct{}

// QuotaRequest is a standalone Alloc request, used when a QuotaPrefetch
// instance isn't piggy-backing its allocation onto an in-flight Check.
type QuotaRequest struct {
	Quota      string
	Amount     int64
	BestEffort bool
	Attributes Attributes
}

// QuotaResponse is the server's answer to a standalone QuotaRequest.
type QuotaResponse struct {
	GrantedAmount int64
	ValidDuration time.Duration
}
