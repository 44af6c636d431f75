// Package doc implements the replicated page document shared by every
// replica of a document room.
//
// The document is a last-writer-wins map keyed by field name. Each local
// mutation is stamped with an operation id (replica, seq) and a Lamport
// clock; concurrent writes to the same field are ordered by (clock, replica)
// so every replica picks the same winner regardless of arrival order.
// Operation ids already merged are remembered, which makes Apply idempotent.
package doc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultField holds a page's HTML content.
const DefaultField = "default"

var (
	ErrEmptyField = errors.New("field name is required")
	ErrBadUpdate  = errors.New("malformed update")
)

type OpID struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
}

func (id OpID) String() string {
	return fmt.Sprintf("%s:%d", id.Replica, id.Seq)
}

// Update is the fragment exported for every local mutation.
type Update struct {
	ID    OpID   `json:"id"`
	Clock uint64 `json:"clock"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// State is a compacted copy of a document: the winning update of every field
// plus the per-replica watermark of merged operations.
type State struct {
	Entries []Update          `json:"entries"`
	Vector  map[string]uint64 `json:"vector"`
}

type Document struct {
	mu      sync.RWMutex
	replica string
	seq     uint64
	clock   uint64
	fields  map[string]Update
	seen    map[string]*seqSet
}

func New(replica string) *Document {
	return &Document{
		replica: replica,
		fields:  make(map[string]Update),
		seen:    make(map[string]*seqSet),
	}
}

func (d *Document) Replica() string {
	return d.replica
}

// Set writes value into field and returns the update fragment to broadcast.
func (d *Document) Set(field, value string) (Update, error) {
	if field == "" {
		return Update{}, ErrEmptyField
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	d.clock++
	u := Update{
		ID:    OpID{Replica: d.replica, Seq: d.seq},
		Clock: d.clock,
		Field: field,
		Value: value,
	}
	d.markSeen(u.ID)
	d.fields[field] = u
	return u, nil
}

// Apply merges a remote fragment. It reports false when the fragment was
// already merged.
func (d *Document) Apply(u Update) (bool, error) {
	if u.ID.Replica == "" || u.ID.Seq == 0 || u.Field == "" {
		return false, fmt.Errorf("apply %s: %w", u.ID, ErrBadUpdate)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasSeen(u.ID) {
		return false, nil
	}
	d.markSeen(u.ID)
	d.merge(u)
	return true, nil
}

// ApplyState merges a full state exported by another replica.
func (d *Document) ApplyState(s State) (bool, error) {
	for _, entry := range s.Entries {
		if entry.ID.Replica == "" || entry.ID.Seq == 0 || entry.Field == "" {
			return false, fmt.Errorf("apply state entry %s: %w", entry.ID, ErrBadUpdate)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, entry := range s.Entries {
		if !d.hasSeen(entry.ID) {
			d.markSeen(entry.ID)
		}
		if d.merge(entry) {
			changed = true
		}
	}
	for replica, watermark := range s.Vector {
		d.seqs(replica).raise(watermark)
	}
	return changed, nil
}

func (d *Document) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]Update, 0, len(d.fields))
	for _, u := range d.fields {
		entries = append(entries, u)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Field < entries[j].Field })
	return State{Entries: entries, Vector: d.vectorLocked()}
}

func (d *Document) Vector() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vectorLocked()
}

func (d *Document) Get(field string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fields[field].Value
}

func (d *Document) Content() string {
	return d.Get(DefaultField)
}

func (d *Document) Fields() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.fields))
	for field, u := range d.fields {
		out[field] = u.Value
	}
	return out
}

// Empty reports whether no replica has ever written to the document.
func (d *Document) Empty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.seen) == 0
}

// Seen reports whether the operation has been merged.
func (d *Document) Seen(id OpID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasSeen(id)
}

func (d *Document) merge(u Update) bool {
	if u.Clock > d.clock {
		d.clock = u.Clock
	}
	current, ok := d.fields[u.Field]
	if ok && !wins(u, current) {
		return false
	}
	d.fields[u.Field] = u
	return true
}

func (d *Document) vectorLocked() map[string]uint64 {
	vector := make(map[string]uint64, len(d.seen))
	for replica, set := range d.seen {
		vector[replica] = set.watermark
	}
	return vector
}

func (d *Document) hasSeen(id OpID) bool {
	set, ok := d.seen[id.Replica]
	return ok && set.has(id.Seq)
}

func (d *Document) markSeen(id OpID) {
	d.seqs(id.Replica).add(id.Seq)
}

func (d *Document) seqs(replica string) *seqSet {
	set, ok := d.seen[replica]
	if !ok {
		set = &seqSet{}
		d.seen[replica] = set
	}
	return set
}

func wins(candidate, current Update) bool {
	if candidate.Clock != current.Clock {
		return candidate.Clock > current.Clock
	}
	if candidate.ID.Replica != current.ID.Replica {
		return candidate.ID.Replica > current.ID.Replica
	}
	return candidate.ID.Seq > current.ID.Seq
}

// seqSet tracks merged sequence numbers of one replica: everything up to
// watermark, plus the ones that arrived ahead of a gap.
type seqSet struct {
	watermark uint64
	ahead     map[uint64]struct{}
}

func (s *seqSet) has(seq uint64) bool {
	if seq <= s.watermark {
		return true
	}
	_, ok := s.ahead[seq]
	return ok
}

func (s *seqSet) add(seq uint64) {
	if seq <= s.watermark {
		return
	}
	if seq != s.watermark+1 {
		if s.ahead == nil {
			s.ahead = make(map[uint64]struct{})
		}
		s.ahead[seq] = struct{}{}
		return
	}
	s.watermark = seq
	s.advance()
}

func (s *seqSet) raise(watermark uint64) {
	if watermark <= s.watermark {
		return
	}
	s.watermark = watermark
	for seq := range s.ahead {
		if seq <= watermark {
			delete(s.ahead, seq)
		}
	}
	s.advance()
}

func (s *seqSet) advance() {
	for {
		next := s.watermark + 1
		if _, ok := s.ahead[next]; !ok {
			return
		}
		delete(s.ahead, next)
		s.watermark = next
	}
}
