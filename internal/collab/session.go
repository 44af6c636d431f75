package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pagesync/internal/doc"
	"pagesync/internal/reconnect"
	"pagesync/internal/room"
	"pagesync/internal/transport"
)

const sendTimeout = 5 * time.Second

// Status is a point-in-time view of a session's connection.
type Status struct {
	State reconnect.State
	// Synced turns true once the room's state has been merged at least once.
	Synced bool
	// Degraded is set while the link has been down longer than the offline
	// threshold.
	Degraded bool
	// Pending counts local updates the room has not acknowledged yet.
	Pending int
}

// Session is one open page: a replicated document bound to its room.
type Session struct {
	manager  *Manager
	id       room.ID
	replica  string
	fallback string
	doc      *doc.Document
	link     *reconnect.Link
	logger   *slog.Logger

	syncedOnce sync.Once
	synced     chan struct{}

	// sendMu orders writes to the room. conn is the connection the link
	// handed to Connected and sentSeq the highest own update written to it.
	sendMu  sync.Mutex
	conn    transport.Conn
	sentSeq uint64

	mu          sync.Mutex
	refs        int
	closed      bool
	seedChecked bool
	outbox      map[uint64]doc.Update
	changeSubs  map[int]func(string)
	controlSubs map[int]func(room.Control)
	nextSub     int
}

func newSession(m *Manager, id room.ID, replica, fallback string) *Session {
	s := &Session{
		manager:     m,
		id:          id,
		replica:     replica,
		fallback:    fallback,
		doc:         doc.New(replica),
		logger:      m.logger.With("room", id.String(), "replica", replica),
		synced:      make(chan struct{}),
		refs:        1,
		outbox:      make(map[uint64]doc.Update),
		changeSubs:  make(map[int]func(string)),
		controlSubs: make(map[int]func(room.Control)),
	}
	s.link = reconnect.New(id, replica, m.dialer, linkHandler{s}, m.reconnect, m.logger)
	return s
}

func (s *Session) ID() room.ID {
	return s.id
}

func (s *Session) ProjectID() string {
	return s.id.Project
}

func (s *Session) PageID() string {
	return s.id.Page
}

func (s *Session) Replica() string {
	return s.replica
}

func (s *Session) Content() string {
	return s.doc.Content()
}

func (s *Session) Field(name string) string {
	return s.doc.Get(name)
}

// Vector reports, per replica, how many updates this session has merged.
func (s *Session) Vector() map[string]uint64 {
	return s.doc.Vector()
}

// Set replaces the page content.
func (s *Session) Set(content string) error {
	return s.SetField(doc.DefaultField, content)
}

// SetField mutates the local document and sends the update. The mutation
// never waits for the network; offline updates are queued and re-sent on
// reconnect.
func (s *Session) SetField(field, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	u, err := s.doc.Set(field, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.outbox[u.ID.Seq] = u
	s.mu.Unlock()

	s.flush()
	s.notifyChange()
	return nil
}

// SendControl sends a control message after every update already queued.
// Control messages are not queued while offline.
func (s *Session) SendControl(ctx context.Context, c room.Control) error {
	m, err := room.ControlMessage(s.replica, c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.flushLocked()
	if s.conn == nil {
		return ErrOffline
	}
	if err := s.conn.Send(ctx, m); err != nil {
		s.dropLocked(err)
		if errors.Is(err, transport.ErrClosed) {
			return ErrOffline
		}
		return fmt.Errorf("send %s: %w", c.Action, err)
	}
	return nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	pending := len(s.outbox)
	s.mu.Unlock()
	synced := false
	select {
	case <-s.synced:
		synced = true
	default:
	}
	return Status{
		State:    s.link.State(),
		Synced:   synced,
		Degraded: s.link.DownFor() > s.manager.offlineThreshold,
		Pending:  pending,
	}
}

// WaitSynced blocks until the room's state has been merged once.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.synced:
		return nil
	}
}

// OnChange calls fn with the new content after every local or remote change.
func (s *Session) OnChange(fn func(content string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.changeSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.changeSubs, id)
	}
}

// OnControl calls fn for every control message sent by another replica.
func (s *Session) OnControl(fn func(room.Control)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.controlSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.controlSubs, id)
	}
}

// flush writes every queued update not yet written to the current
// connection, in sequence order. Without a connection the outbox waits for
// the next Connected.
func (s *Session) flush() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.flushLocked()
}

func (s *Session) flushLocked() {
	if s.conn == nil {
		return
	}
	s.mu.Lock()
	pending := s.pendingLocked(s.sentSeq)
	s.mu.Unlock()
	for _, u := range pending {
		if !s.writeLocked(room.UpdateMessage(u)) {
			return
		}
		s.sentSeq = u.ID.Seq
	}
}

// writeLocked sends m on the current connection. A failed write drops the
// connection: the link reconnects and Connected re-sends the whole outbox,
// so a lost update can never be overtaken by a later one.
func (s *Session) writeLocked(m room.Message) bool {
	if s.conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, m); err != nil {
		s.dropLocked(err)
		return false
	}
	return true
}

func (s *Session) dropLocked(err error) {
	if s.conn == nil {
		return
	}
	if !errors.Is(err, transport.ErrClosed) {
		s.logger.Warn("room send failed, reconnecting", "error", err)
	}
	_ = s.conn.Close()
	s.conn = nil
}

// pendingLocked returns the queued updates above seq, oldest first.
func (s *Session) pendingLocked(seq uint64) []doc.Update {
	pending := make([]doc.Update, 0, len(s.outbox))
	for _, u := range s.outbox {
		if u.ID.Seq > seq {
			pending = append(pending, u)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID.Seq < pending[j].ID.Seq })
	return pending
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.changeSubs = map[int]func(string){}
	s.controlSubs = map[int]func(room.Control){}
	s.mu.Unlock()
	s.link.Close()
}

func (s *Session) notifyChange() {
	s.mu.Lock()
	subs := make([]func(string), 0, len(s.changeSubs))
	for _, fn := range s.changeSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	content := s.doc.Content()
	for _, fn := range subs {
		fn(content)
	}
}

func (s *Session) notifyControl(c room.Control) {
	s.mu.Lock()
	subs := make([]func(room.Control), 0, len(s.controlSubs))
	for _, fn := range s.controlSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

// handleSyncState merges the room's state, seeds an empty room from the
// fallback on first connect and pushes whatever the room is missing.
func (s *Session) handleSyncState(m room.Message) {
	s.mu.Lock()
	changed, err := s.doc.ApplyState(*m.State)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("room state rejected", "error", err)
		return
	}
	watermark := m.State.Vector[s.replica]
	for seq := range s.outbox {
		if seq <= watermark {
			delete(s.outbox, seq)
		}
	}

	if !s.seedChecked {
		s.seedChecked = true
		// Offline edits made before the first sync take precedence over
		// the fallback.
		if m.Empty && s.doc.Empty() && s.fallback != "" {
			u, err := s.doc.Set(doc.DefaultField, s.fallback)
			if err == nil {
				s.outbox[u.ID.Seq] = u
				changed = true
			}
		}
	}

	// The room may have lost updates this replica holds, for example after a
	// relay restart without persistence.
	var missing []doc.Update
	local := s.doc.State()
	for _, u := range local.Entries {
		if u.ID.Seq > m.State.Vector[u.ID.Replica] {
			if _, queued := s.outbox[u.ID.Seq]; queued && u.ID.Replica == s.replica {
				continue
			}
			missing = append(missing, u)
		}
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	s.flushLocked()
	for _, u := range missing {
		if !s.writeLocked(room.UpdateMessage(u)) {
			break
		}
	}
	s.sendMu.Unlock()

	s.syncedOnce.Do(func() { close(s.synced) })
	if changed {
		s.notifyChange()
	}
}

func (s *Session) handleUpdate(m room.Message) {
	s.mu.Lock()
	applied, err := s.doc.Apply(*m.Update)
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("room update rejected", "error", err)
		return
	}
	if applied {
		s.notifyChange()
	}
}

func (s *Session) handleAck(m room.Message) {
	if m.Replica != s.replica {
		return
	}
	s.mu.Lock()
	delete(s.outbox, m.Seq)
	s.mu.Unlock()
}

func (s *Session) handleStateless(m room.Message) {
	c, ok, err := room.DecodeControl(m.Stateless)
	if err != nil {
		s.logger.Warn("malformed control message", "from", m.Replica, "error", err)
		return
	}
	if ok {
		s.notifyControl(c)
	}
}

// linkHandler keeps the reconnect hooks off the Session API.
type linkHandler struct {
	s *Session
}

// Connected requests a full resync and re-sends every unacknowledged update.
// Updates queued meanwhile wait on sendMu and follow on the new connection.
func (h linkHandler) Connected(ctx context.Context, conn transport.Conn) error {
	s := h.s
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	vector := s.doc.Vector()
	pending := s.pendingLocked(0)
	s.mu.Unlock()

	if err := conn.Send(ctx, room.Message{Type: room.TypeSync, Replica: s.replica, Vector: vector}); err != nil {
		return err
	}
	for _, u := range pending {
		if err := conn.Send(ctx, room.UpdateMessage(u)); err != nil {
			return err
		}
	}
	s.conn = conn
	s.sentSeq = vector[s.replica]
	return nil
}

func (h linkHandler) Message(m room.Message) {
	switch m.Type {
	case room.TypeSyncState:
		h.s.handleSyncState(m)
	case room.TypeUpdate:
		h.s.handleUpdate(m)
	case room.TypeAck:
		h.s.handleAck(m)
	case room.TypeStateless:
		h.s.handleStateless(m)
	}
}

func (h linkHandler) Disconnected(err error) {
	s := h.s
	s.sendMu.Lock()
	s.conn = nil
	s.sendMu.Unlock()
	s.logger.Info("page room disconnected", "error", err)
}
