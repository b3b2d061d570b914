// Package dictionary implements the attribute-name compression scheme: a
// fixed, compiled-in global word list shared by every peer, plus a
// per-client dictionary that grows monotonically as new attribute names are
// observed. On the wire, a non-negative index refers to the global list; a
// negative index refers to a per-message word list that rides along with
// any message introducing names the peer hasn't seen before.
package dictionary

import "sync"

// Global is the process-wide, compiled-in word list. Both peers in a given
// deployment must agree on its contents and ordering — it is never
// negotiated at runtime. A real deployment would seed this from the Mixer
// server's published global dictionary; this default covers the attribute
// names referenced by the other packages in this module plus a handful of
// common ones, and callers may install a different list via SetGlobal
// before any Client is constructed.
var Global = newGlobalTable(defaultGlobalWords)

var defaultGlobalWords = []string{
	"source.ip",
	"source.uid",
	"source.namespace",
	"destination.ip",
	"destination.service",
	"destination.namespace",
	"request.host",
	"request.path",
	"request.method",
	"request.time",
	"request.headers",
	"response.code",
	"response.duration",
	"response.size",
	"context.protocol",
	"context.reporter.kind",
	"connection.id",
	"quota.name",
	"quota.amount",
	"api.name",
	"api.operation",
}

// GlobalTable is the immutable, process-constant compiled-in dictionary.
type GlobalTable struct {
	words   []string
	indexOf map[string]int32
}

func newGlobalTable(words []string) *GlobalTable {
	t := &GlobalTable{
		words:   append([]string(nil), words...),
		indexOf: make(map[string]int32, len(words)),
	}
	for i, w := range t.words {
		t.indexOf[w] = int32(i)
	}
	return t
}

// SetGlobal replaces the process-wide global word list. It must be called,
// if at all, before any Client or Dictionary is constructed — the table is
// treated as an immutable process constant everywhere else.
func SetGlobal(words []string) {
	Global = newGlobalTable(words)
}

// Lookup returns the global index for name, if name is in the global table.
func (t *GlobalTable) Lookup(name string) (int32, bool) {
	i, ok := t.indexOf[name]
	return i, ok
}

// Word returns the name at global index i. The caller must have validated i
// is in range; Word panics otherwise, matching the stdlib slice-index
// convention (callers are expected to check i against Len first).
func (t *GlobalTable) Word(i int32) string { return t.words[i] }

// Len returns the number of words in the global table.
func (t *GlobalTable) Len() int { return len(t.words) }

// Dictionary is a per-client, append-only name→index mapping for names not
// present in the global table. Once an index is assigned to a name it is
// never reused for another name — indices only ever grow.
type Dictionary struct {
	mu      sync.RWMutex
	global  *GlobalTable
	words   []string       // per-client word list, index i ↔ wire index -(i+1)
	indexOf map[string]int32
}

// New creates a per-client Dictionary bound to the given global table (use
// dictionary.Global for the process default).
func New(global *GlobalTable) *Dictionary {
	return &Dictionary{
		global:  global,
		indexOf: make(map[string]int32),
	}
}

// Index returns the wire index for name, assigning a new per-client index
// if name is not in the global table and hasn't been seen before. isNew
// reports whether this call assigned a fresh per-client index (callers use
// this to decide whether name must ride along in the message's words list).
func (d *Dictionary) Index(name string) (index int32, isNew bool) {
	if i, ok := d.global.Lookup(name); ok {
		return i, false
	}

	d.mu.RLock()
	if i, ok := d.indexOf[name]; ok {
		d.mu.RUnlock()
		return wireIndex(i), false
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	// Re-check under the write lock: another goroutine may have assigned
	// an index to name while we waited.
	if i, ok := d.indexOf[name]; ok {
		return wireIndex(i), false
	}
	pos := int32(len(d.words))
	d.words = append(d.words, name)
	d.indexOf[name] = pos
	return wireIndex(pos), true
}

// wireIndex converts a per-client slice position into the negative wire
// index convention: position 0 → -1, position 1 → -2, and so on.
func wireIndex(pos int32) int32 { return -(pos + 1) }

// messagePos converts a negative wire index back into a per-client slice
// position.
func messagePos(wire int32) int32 { return -(wire + 1) }

// Resolve maps a wire index back to its name, consulting the global table
// for non-negative indices and this client's per-client list for negative
// ones. ok is false if the index is out of range for its list — callers
// MUST reject the containing message in that case per the wire protocol's
// validation requirement.
func (d *Dictionary) Resolve(wire int32) (name string, ok bool) {
	if wire >= 0 {
		if int(wire) >= d.global.Len() {
			return "", false
		}
		return d.global.Word(wire), true
	}
	pos := messagePos(wire)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if pos < 0 || int(pos) >= len(d.words) {
		return "", false
	}
	return d.words[pos], true
}

// Words returns the per-client word list accumulated so far, in assignment
// order — this is what a sender includes as a message's "words" field when
// it introduces new names, and what a receiver installs to resolve the
// negative indices in that same message.
func (d *Dictionary) Words() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.words...)
}

// InstallWords extends a receiver's per-client dictionary from a peer's
// per-message words list. A receiver's per-client dictionary is scoped to
// the messages of a single peer connection: the caller is responsible for
// giving each peer stream its own Dictionary or for resetting it between
// independent senders, since "words[0]" from two different senders may name
// different attributes.
func (d *Dictionary) InstallWords(words []string) {
	if len(words) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range words {
		if _, ok := d.indexOf[w]; ok {
			continue
		}
		pos := int32(len(d.words))
		d.words = append(d.words, w)
		d.indexOf[w] = pos
	}
}

// Len returns the number of per-client words assigned so far.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.words)
}
