package wire

import (
	"fmt"
	"time"

	"github.com/istio-ecosystem/mixerclient-go/pkg/attribute"
	"github.com/istio-ecosystem/mixerclient-go/pkg/dictionary"
)

// Encode converts bag into its wire form using dict to assign integer
// indices to attribute names, populating Attributes.Dictionary with any
// names that received a fresh per-client index during this call.
func Encode(bag attribute.Bag, dict *dictionary.Dictionary) Attributes {
	var out Attributes
	EncodeInto(bag, dict, &out)
	return out
}

// EncodeInto is Encode writing into a caller-supplied Attributes instead of
// returning a fresh one, so a hot path can reuse a pooled *Attributes (see
// internal/report.GetAttributes) instead of allocating one per call. out is
// reset to its zero value before encoding.
func EncodeInto(bag attribute.Bag, dict *dictionary.Dictionary, out *Attributes) {
	*out = Attributes{}
	newWords := map[int32]string{}

	index := func(name string) int32 {
		i, isNew := dict.Index(name)
		if isNew {
			newWords[i] = name
		}
		return i
	}

	for _, name := range bag.Names() {
		v, _ := bag.Get(name)
		i := index(name)
		switch v.Kind {
		case attribute.KindString:
			ensureMap(&out.Strings)[i] = v.String
		case attribute.KindBytes:
			ensureBytesMap(&out.Bytes)[i] = v.Bytes
		case attribute.KindInt64:
			ensureInt64Map(&out.Int64s)[i] = v.Int64
		case attribute.KindDouble:
			ensureDoubleMap(&out.Doubles)[i] = v.Double
		case attribute.KindBool:
			ensureBoolMap(&out.Bools)[i] = v.Bool
		case attribute.KindTimestamp:
			ensureTimeMap(&out.Timestamps)[i] = v.Timestamp
		case attribute.KindDuration:
			ensureDurationMap(&out.Durations)[i] = v.Duration
		case attribute.KindStringMap:
			ensureStringMapMap(&out.StringMaps)[i] = v.StringMap
		}
	}

	if len(newWords) > 0 {
		out.Dictionary = newWords
	}
}

// Decode converts a wire Attributes message back into a Bag, resolving
// every index against dict after first installing any new-name entries the
// message carries in its Dictionary field. Decode rejects (with an error)
// any index that is out of range for its list, per the wire protocol's
// mandatory validation rule — a non-negative index must be < the global
// table length, a negative index must resolve to an already-known or
// just-installed per-client word.
func Decode(msg Attributes, dict *dictionary.Dictionary) (attribute.Bag, error) {
	if len(msg.Dictionary) > 0 {
		// Install in wire-index order so negative indices introduced by
		// this message resolve to the names the sender intended, matching
		// the order the sender assigned them.
		words := orderedNewWords(msg.Dictionary)
		dict.InstallWords(words)
	}

	values := map[string]attribute.Value{}
	resolve := func(i int32) (string, error) {
		name, ok := dict.Resolve(i)
		if !ok {
			return "", fmt.Errorf("wire: dictionary index %d out of range", i)
		}
		return name, nil
	}

	for i, v := range msg.Strings {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.StringValue(v)
	}
	for i, v := range msg.Bytes {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.BytesValue(v)
	}
	for i, v := range msg.Int64s {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.Int64Value(v)
	}
	for i, v := range msg.Doubles {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.DoubleValue(v)
	}
	for i, v := range msg.Bools {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.BoolValue(v)
	}
	for i, v := range msg.Timestamps {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.TimestampValue(v)
	}
	for i, v := range msg.Durations {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.DurationValue(v)
	}
	for i, v := range msg.StringMaps {
		name, err := resolve(i)
		if err != nil {
			return attribute.Bag{}, err
		}
		values[name] = attribute.StringMapValue(v)
	}

	return attribute.NewBag(values), nil
}

// orderedNewWords reconstructs the assignment order of a message's new
// per-client words from their (negative) wire indices, since Go map
// iteration order is randomized and InstallWords must append in the same
// order the sender assigned them.
func orderedNewWords(dict map[int32]string) []string {
	// Wire index -1 was assigned first, -2 second, and so on, regardless
	// of how many prior per-client words already existed: position =
	// -(wire+1).
	maxPos := int32(-1)
	for i := range dict {
		if pos := -(i + 1); pos > maxPos {
			maxPos = pos
		}
	}
	words := make([]string, maxPos+1)
	found := make([]bool, maxPos+1)
	for i, name := range dict {
		pos := -(i + 1)
		words[pos] = name
		found[pos] = true
	}
	out := make([]string, 0, len(dict))
	for pos, ok := range found {
		if ok {
			out = append(out, words[pos])
		}
	}
	return out
}

func ensureMap(m *map[int32]string) map[int32]string {
	if *m == nil {
		*m = map[int32]string{}
	}
	return *m
}

func ensureBytesMap(m *map[int32][]byte) map[int32][]byte {
	if *m == nil {
		*m = map[int32][]byte{}
	}
	return *m
}

func ensureInt64Map(m *map[int32]int64) map[int32]int64 {
	if *m == nil {
		*m = map[int32]int64{}
	}
	return *m
}

func ensureDoubleMap(m *map[int32]float64) map[int32]float64 {
	if *m == nil {
		*m = map[int32]float64{}
	}
	return *m
}

func ensureBoolMap(m *map[int32]bool) map[int32]bool {
	if *m == nil {
		*m = map[int32]bool{}
	}
	return *m
}

func ensureTimeMap(m *map[int32]time.Time) map[int32]time.Time {
	if *m == nil {
		*m = map[int32]time.Time{}
	}
	return *m
}

func ensureDurationMap(m *map[int32]time.Duration) map[int32]time.Duration {
	if *m == nil {
		*m = map[int32]time.Duration{}
	}
	return *m
}

func ensureStringMapMap(m *map[int32]map[string]string) map[int32]map[string]string {
	if *m == nil {
		*m = map[int32]map[string]string{}
	}
	return *m
}
