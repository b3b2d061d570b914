// Package signature implements the Referenced template and the 128-bit
// signature digest computed from it against a concrete attribute set, per
// the attribute-compression and cache-keying protocol.
package signature

import (
	"crypto/md5" //nolint:gosec // fingerprint identity only, not a security boundary; spec explicitly allows MD5 here
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
)

// Condition classifies how a Referenced key participates in a decision.
type Condition int

const (
	// Absence means the decision only applies when the named attribute (or
	// map subkey) is absent.
	Absence Condition = iota
	// Exact means the decision only applies when the named attribute's
	// value exactly equals the value observed when the decision was made.
	Exact
	// Regex means the decision depends on a regular-expression match over
	// the attribute's value. No implementation evaluates Regex conditions;
	// any Referenced template containing one is permanently not cacheable.
	Regex
)

// Key names a single attribute (and, for string-map attributes, a specific
// subkey) that influenced a Check decision.
type Key struct {
	Name   string
	MapKey string // only meaningful when the named attribute is a string-map
	HasMap bool
}

func (k Key) less(o Key) bool {
	if k.Name != o.Name {
		return k.Name < o.Name
	}
	return k.MapKey < o.MapKey
}

func (k Key) String() string {
	if k.HasMap {
		return k.Name + "[" + k.MapKey + "]"
	}
	return k.Name
}

// ErrNotCacheable is returned by Referenced.Signature when the attribute set
// cannot be fingerprinted against this template: an absence key is present,
// or the template contains a Regex-conditioned key.
var ErrNotCacheable = fmt.Errorf("not cacheable")

// Referenced is a server-advertised declaration of which attributes
// influenced a specific Check decision. The two key sequences are kept
// sorted so that two Referenced values built from the same keys, in any
// order, produce identical hashes and signatures.
type Referenced struct {
	absence []Key
	exact   []Key
	regex   bool // true if any attribute_match used REGEX; forces not-cacheable
	hash    uint64
}

// New builds a Referenced template from absence and exact key lists,
// canonicalizing (sorting) both. hasRegex marks the template as containing
// at least one REGEX-conditioned match, which per spec always suppresses
// caching.
func New(absence, exact []Key, hasRegex bool) *Referenced {
	r := &Referenced{
		absence: append([]Key(nil), absence...),
		exact:   append([]Key(nil), exact...),
		regex:   hasRegex,
	}
	sort.Slice(r.absence, func(i, j int) bool { return r.absence[i].less(r.absence[j]) })
	sort.Slice(r.exact, func(i, j int) bool { return r.exact[i].less(r.exact[j]) })
	r.hash = computeHash(r.absence, r.exact)
	return r
}

// Hash returns the template's stable identity hash: two Referenced values
// built from equal (sorted) absence/exact key sequences hash equal, and
// vice versa.
func (r *Referenced) Hash() uint64 { return r.hash }

// HasRegex reports whether this template contains a REGEX-conditioned
// match, which makes every signature computed against it fail with
// ErrNotCacheable.
func (r *Referenced) HasRegex() bool { return r.regex }

func computeHash(absence, exact []Key) uint64 {
	h := fnvOffset
	feed := func(k Key) {
		h = fnvBytes(h, []byte(k.Name))
		h = fnvBytes(h, []byte{0})
		if k.HasMap {
			h = fnvBytes(h, []byte(k.MapKey))
		}
		h = fnvBytes(h, []byte{0})
	}
	for _, k := range absence {
		feed(k)
	}
	h = fnvBytes(h, []byte{0xFF}) // delimiter between absence and exact sequences
	for _, k := range exact {
		feed(k)
	}
	return h
}

const (
	fnvOffset = uint64(14695981039346656037)
	fnvPrime  = uint64(1099511628211)
)

func fnvBytes(h uint64, b []byte) uint64 {
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime
	}
	return h
}

// Digest is the 128-bit signature fingerprint over an attribute set,
// computed through a specific Referenced template.
type Digest [16]byte

func (d Digest) String() string { return fmt.Sprintf("%x", [16]byte(d)) }

// Signature computes the 128-bit fingerprint of bag against r, mixing in
// extra (used to fold a quota name into an otherwise attribute-only
// signature, per spec §4.1's "extra opaque key"). It returns ErrNotCacheable
// if r has any REGEX-conditioned key, or if any absence key (or required
// map subkey) is actually present in bag.
func (r *Referenced) Signature(bag attribute.Bag, extra string) (Digest, error) {
	if r.regex {
		return Digest{}, ErrNotCacheable
	}

	h := md5.New() //nolint:gosec // see import comment

	for _, k := range r.absence {
		if k.HasMap {
			if _, present := bag.GetMapKey(k.Name, k.MapKey); present {
				return Digest{}, ErrNotCacheable
			}
			continue
		}
		if _, present := bag.Get(k.Name); present {
			return Digest{}, ErrNotCacheable
		}
	}

	for _, k := range r.exact {
		h.Write([]byte(k.Name))
		h.Write([]byte{0})
		if err := writeExactValue(h, bag, k); err != nil {
			return Digest{}, err
		}
		h.Write([]byte{0})
	}

	if extra != "" {
		h.Write([]byte("\x00quota\x00"))
		h.Write([]byte(extra))
		h.Write([]byte{0})
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

func writeExactValue(h interface{ Write([]byte) (int, error) }, bag attribute.Bag, k Key) error {
	if k.HasMap {
		v, ok := bag.GetMapKey(k.Name, k.MapKey)
		if !ok {
			// An exact key naming a subkey that is absent never matches;
			// the caller asked for a decision keyed on its exact value, so
			// this falls straight to a network Check rather than a
			// fabricated signature.
			return ErrNotCacheable
		}
		h.Write([]byte(k.MapKey))
		h.Write([]byte{0})
		h.Write([]byte(v))
		return nil
	}

	val, ok := bag.Get(k.Name)
	if !ok {
		return ErrNotCacheable
	}
	switch val.Kind {
	case attribute.KindString:
		h.Write([]byte(val.String))
	case attribute.KindBytes:
		h.Write(val.Bytes)
	case attribute.KindInt64:
		h.Write([]byte(strconv.FormatInt(val.Int64, 10)))
	case attribute.KindDouble:
		h.Write([]byte(strconv.FormatFloat(val.Double, 'g', -1, 64)))
	case attribute.KindBool:
		h.Write([]byte(strconv.FormatBool(val.Bool)))
	case attribute.KindTimestamp:
		h.Write([]byte(val.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z")))
	case attribute.KindDuration:
		h.Write([]byte(strconv.FormatInt(int64(val.Duration), 10)))
	case attribute.KindStringMap:
		// An exact key on a map-typed attribute without a subkey is
		// malformed input from the server; treat it as unmatchable rather
		// than panicking.
		return ErrNotCacheable
	default:
		return ErrNotCacheable
	}
	return nil
}

// String renders a Referenced template for logging/debugging.
func (r *Referenced) String() string {
	var sb strings.Builder
	sb.WriteString("absence:[")
	for i, k := range r.absence {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k.String())
	}
	sb.WriteString("] exact:[")
	for i, k := range r.exact {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k.String())
	}
	sb.WriteString("]")
	if r.regex {
		sb.WriteString(" regex=true")
	}
	return sb.String()
}
