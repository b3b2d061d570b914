package wire

import (
	"fmt"

	"github.com/istio-ecosystem/mixerclient-go/pkg/dictionary"
	"github.com/istio-ecosystem/mixerclient-go/pkg/signature"
)

// DecodeReferenced converts a server's ReferencedAttributes into a
// signature.Referenced, installing any new per-client words it carries into
// dict first so its attribute-match indices resolve. It returns an error
// only when an index is out of range; an AttributeMatch using MatchRegex is
// not an error; it is folded into the resulting Referenced's HasRegex flag.
func DecodeReferenced(msg ReferencedAttributes, dict *dictionary.Dictionary) (*signature.Referenced, error) {
	if len(msg.Words) > 0 {
		dict.InstallWords(msg.Words)
	}

	var absence, exact []signature.Key
	hasRegex := false

	for _, m := range msg.AttributeMatches {
		name, ok := dict.Resolve(m.Name)
		if !ok {
			return nil, fmt.Errorf("wire: referenced attribute index %d out of range", m.Name)
		}
		key := signature.Key{Name: name}
		if m.HasMapKey {
			mapKey, ok := dict.Resolve(m.MapKey)
			if !ok {
				return nil, fmt.Errorf("wire: referenced map-key index %d out of range", m.MapKey)
			}
			key.MapKey = mapKey
			key.HasMap = true
		}

		switch m.Condition {
		case MatchAbsence:
			absence = append(absence, key)
		case MatchExact:
			exact = append(exact, key)
		case MatchRegex:
			hasRegex = true
		}
	}

	return signature.New(absence, exact, hasRegex), nil
}

// EncodeReferenced builds a ReferencedAttributes wire message from the same
// absence/exact key lists a test fixture would pass to signature.New,
// assigning dictionary indices as it goes. It exists for tests and mock
// transports that need to fabricate a server response; a real Mixer server,
// not this library, is the normal producer of these messages.
func EncodeReferenced(absence, exact []signature.Key, hasRegex bool, dict *dictionary.Dictionary) ReferencedAttributes {
	var matches []AttributeMatch
	var newWords []string

	index := func(name string) int32 {
		i, isNew := dict.Index(name)
		if isNew {
			newWords = append(newWords, name)
		}
		return i
	}

	appendKeys := func(keys []signature.Key, cond MatchCondition) {
		for _, k := range keys {
			m := AttributeMatch{Name: index(k.Name), Condition: cond}
			if k.HasMap {
				m.HasMapKey = true
				m.MapKey = index(k.MapKey)
			}
			matches = append(matches, m)
		}
	}

	appendKeys(absence, MatchAbsence)
	appendKeys(exact, MatchExact)
	if hasRegex {
		matches = append(matches, AttributeMatch{Condition: MatchRegex})
	}

	return ReferencedAttributes{Words: newWords, AttributeMatches: matches}
}
