// Package attribute defines the typed attribute value model shared by every
// component of the mixer client: the Check cache, quota prefetch, report
// batch, and the attribute compression wire codec all operate on Bag values.
package attribute

import "time"

// Kind identifies the wire type of an attribute value.
type Kind int

const (
	// KindString is a UTF-8 string value.
	KindString Kind = iota
	// KindBytes is an opaque byte slice value.
	KindBytes
	// KindInt64 is a signed 64-bit integer value.
	KindInt64
	// KindDouble is a 64-bit floating point value.
	KindDouble
	// KindBool is a boolean value.
	KindBool
	// KindTimestamp is an absolute point in time.
	KindTimestamp
	// KindDuration is a relative time span.
	KindDuration
	// KindStringMap is a string-keyed map of strings, e.g. request headers.
	KindStringMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindDuration:
		return "duration"
	case KindStringMap:
		return "stringmap"
	default:
		return "unknown"
	}
}

// Value is a single typed attribute value. Only the field matching Kind is
// meaningful; Value is a plain value object, freely copied and never mutated
// after construction.
type Value struct {
	Kind      Kind
	String    string
	Bytes     []byte
	Int64     int64
	Double    float64
	Bool      bool
	Timestamp time.Time
	Duration  time.Duration
	StringMap map[string]string
}

// StringValue builds a string-kind Value.
func StringValue(s string) Value { return Value{Kind: KindString, String: s} }

// BytesValue builds a bytes-kind Value.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// Int64Value builds an int64-kind Value.
func Int64Value(i int64) Value { return Value{Kind: KindInt64, Int64: i} }

// DoubleValue builds a double-kind Value.
func DoubleValue(d float64) Value { return Value{Kind: KindDouble, Double: d} }

// BoolValue builds a bool-kind Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// TimestampValue builds a timestamp-kind Value.
func TimestampValue(t time.Time) Value { return Value{Kind: KindTimestamp, Timestamp: t} }

// DurationValue builds a duration-kind Value.
func DurationValue(d time.Duration) Value { return Value{Kind: KindDuration, Duration: d} }

// StringMapValue builds a string-map-kind Value. The map is not copied;
// callers must not mutate it after handing it to a Bag.
func StringMapValue(m map[string]string) Value { return Value{Kind: KindStringMap, StringMap: m} }

// Bag is an immutable mapping from attribute name to value. Names are
// unique within a Bag; iteration order is unspecified.
type Bag struct {
	values map[string]Value
}

// NewBag builds a Bag from a name→Value mapping. The caller must not mutate
// m afterward; NewBag takes ownership of it.
func NewBag(values map[string]Value) Bag {
	if values == nil {
		values = map[string]Value{}
	}
	return Bag{values: values}
}

// Get returns the value for name and whether it was present.
func (b Bag) Get(name string) (Value, bool) {
	v, ok := b.values[name]
	return v, ok
}

// GetMapKey resolves a string-map attribute's subkey, reporting presence of
// both the attribute and the subkey.
func (b Bag) GetMapKey(name, mapKey string) (string, bool) {
	v, ok := b.values[name]
	if !ok || v.Kind != KindStringMap {
		return "", false
	}
	s, ok := v.StringMap[mapKey]
	return s, ok
}

// Len returns the number of attributes in the bag.
func (b Bag) Len() int { return len(b.values) }

// Names returns the attribute names present in the bag, in no particular
// order.
func (b Bag) Names() []string {
	names := make([]string, 0, len(b.values))
	for n := range b.values {
		names = append(names, n)
	}
	return names
}

// Merge returns a new Bag containing b's attributes overlaid with overlay's
// (overlay wins on name collision). Neither input is mutated.
func (b Bag) Merge(overlay Bag) Bag {
	out := make(map[string]Value, len(b.values)+len(overlay.values))
	for k, v := range b.values {
		out[k] = v
	}
	for k, v := range overlay.values {
		out[k] = v
	}
	return Bag{values: out}
}
