package report

import (
	"sync"

	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

// attributesPool recycles wire.Attributes values for Batch.Add's caller side.
// Only the struct is reused: wire.EncodeInto resets it and allocates the maps
// it needs afresh on every Report call, and PutAttributes drops them. Adapted from the teacher's object pool
// (internal/pool/pool.go), which pooled its own per-request/response types
// the same way.
var attributesPool = sync.Pool{
	New: func() any {
		return &wire.Attributes{}
	},
}

// GetAttributes returns a zeroed wire.Attributes from the pool.
func GetAttributes() *wire.Attributes {
	v := attributesPool.Get()
	a, ok := v.(*wire.Attributes)
	if !ok {
		return &wire.Attributes{}
	}
	return a
}

// PutAttributes clears a and returns it to the pool. Callers must not retain
// a reference to a afterward.
func PutAttributes(a *wire.Attributes) {
	a.Dictionary = nil
	a.Strings = nil
	a.Int64s = nil
	a.Doubles = nil
	a.Bools = nil
	a.Bytes = nil
	a.Timestamps = nil
	a.Durations = nil
	a.StringMaps = nil
	attributesPool.Put(a)
}
