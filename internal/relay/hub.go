// Package relay is the server side of the room transport. It holds one
// document per page room, the presence set of every project room, and
// forwards updates, presence and control messages between replicas.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pagesync/internal/doc"
	"pagesync/internal/room"
	"pagesync/internal/util"
)

var ErrWrongRoomKind = errors.New("message not accepted in this room")

type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics
	// Bus defaults to a process-local no-op.
	Bus Bus
	// Store is optional. Without it document rooms stay in memory for the
	// lifetime of the hub.
	Store StateStore
	Sink  SnapshotSink

	AwarenessTimeout time.Duration
	PeerBuffer       int
	SinkTimeout      time.Duration
}

type Hub struct {
	instance string
	logger   *slog.Logger
	metrics  *Metrics
	bus      Bus
	store    StateStore
	sink     SnapshotSink

	awarenessTimeout time.Duration
	peerBuffer       int
	sinkTimeout      time.Duration
	now              func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomState

	sinkWG sync.WaitGroup
}

type roomState struct {
	id room.ID

	mu     sync.Mutex
	peers  map[*peer]struct{}
	doc    *doc.Document
	loaded bool
	// presence rooms only
	presence map[string]*presenceEntry
}

type presenceEntry struct {
	// owner is nil for replicas connected to another relay instance.
	owner    *peer
	clock    uint64
	state    json.RawMessage
	lastSeen time.Time
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Bus == nil {
		opts.Bus = localBus{}
	}
	if opts.AwarenessTimeout <= 0 {
		opts.AwarenessTimeout = 30 * time.Second
	}
	if opts.PeerBuffer <= 0 {
		opts.PeerBuffer = 256
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 10 * time.Second
	}
	return &Hub{
		instance:         util.NewID("relay"),
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		bus:              opts.Bus,
		store:            opts.Store,
		sink:             opts.Sink,
		awarenessTimeout: opts.AwarenessTimeout,
		peerBuffer:       opts.PeerBuffer,
		sinkTimeout:      opts.SinkTimeout,
		now:              time.Now,
		rooms:            make(map[string]*roomState),
	}
}

func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Run sweeps stale presence and consumes the bus until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(h.awarenessTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				h.Sweep()
			}
		}
	})
	g.Go(func() error {
		return h.bus.Subscribe(ctx, h.receiveRemote)
	})
	return g.Wait()
}

// Wait blocks until every dispatched control message reached the sink.
func (h *Hub) Wait() {
	h.sinkWG.Wait()
}

func (h *Hub) join(ctx context.Context, id room.ID, replica, user string) (*peer, error) {
	if replica == "" {
		return nil, errors.New("replica id is required")
	}
	p := newPeer(util.NewID("conn"), replica, user, h.peerBuffer)

	h.mu.Lock()
	r, ok := h.rooms[id.String()]
	if !ok {
		r = &roomState{id: id, peers: make(map[*peer]struct{})}
		if id.IsPresence() {
			r.presence = make(map[string]*presenceEntry)
		} else {
			r.doc = doc.New(room.ServerReplica)
		}
		h.rooms[id.String()] = r
		h.metrics.rooms.Inc()
	}
	r.mu.Lock()
	r.peers[p] = struct{}{}
	p.room = r
	h.mu.Unlock()
	h.metrics.replicas.Inc()
	err := h.loadLocked(ctx, r)
	r.mu.Unlock()
	if err != nil {
		h.leave(p)
		return nil, err
	}

	h.logger.Debug("replica joined", "room", id.String(), "replica", replica, "conn", p.id)
	return p, nil
}

func (h *Hub) loadLocked(ctx context.Context, r *roomState) error {
	if r.loaded || r.doc == nil || h.store == nil {
		r.loaded = true
		return nil
	}
	state, ok, err := h.store.Load(ctx, r.id)
	if err != nil {
		return fmt.Errorf("load room %s: %w", r.id, err)
	}
	if ok {
		if _, err := r.doc.ApplyState(state); err != nil {
			return fmt.Errorf("apply stored state for %s: %w", r.id, err)
		}
	}
	r.loaded = true
	return nil
}

func (h *Hub) leave(p *peer) {
	p.close(nil)
	r := p.room
	if r == nil {
		return
	}

	r.mu.Lock()
	if _, ok := r.peers[p]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, p)
	var removed []room.AwarenessEntry
	for replica, entry := range r.presence {
		if entry.owner == p {
			delete(r.presence, replica)
			removed = append(removed, room.AwarenessEntry{Replica: replica, Clock: entry.clock})
		}
	}
	if len(removed) > 0 {
		r.broadcastLocked(room.Message{Type: room.TypeAwareness, Awareness: removed}, nil)
	}
	r.mu.Unlock()
	h.metrics.replicas.Dec()

	if len(removed) > 0 {
		h.publish(r.id, room.Message{Type: room.TypeAwareness, Awareness: removed})
	}
	h.evictIfIdle(r)
	h.logger.Debug("replica left", "room", r.id.String(), "replica", p.replica, "conn", p.id, "reason", p.err())
}

// evictIfIdle forgets empty presence rooms, and empty document rooms when
// their state is persisted.
func (h *Hub) evictIfIdle(r *roomState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) > 0 || h.rooms[r.id.String()] != r {
		return
	}
	if r.doc != nil && h.store == nil {
		return
	}
	delete(h.rooms, r.id.String())
	h.metrics.rooms.Dec()
}

func (h *Hub) handle(ctx context.Context, p *peer, m room.Message) error {
	r := p.room
	h.metrics.messages.WithLabelValues(string(m.Type), "local").Inc()
	switch m.Type {
	case room.TypeSync:
		h.handleSync(p, r)
	case room.TypeUpdate:
		return h.handleUpdate(ctx, p, r, m)
	case room.TypeAwareness:
		return h.handleAwareness(p, r, m)
	case room.TypeStateless:
		h.handleStateless(p, r, m)
	default:
		h.logger.Debug("ignoring room message", "room", r.id.String(), "type", m.Type)
	}
	return nil
}

func (h *Hub) handleSync(p *peer, r *roomState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc != nil {
		state := r.doc.State()
		h.deliver(p, room.Message{Type: room.TypeSyncState, Replica: room.ServerReplica, State: &state, Empty: r.doc.Empty()})
		return
	}
	h.deliver(p, room.Message{Type: room.TypeAwareness, Replica: room.ServerReplica, Awareness: r.presenceLocked()})
}

func (h *Hub) handleUpdate(ctx context.Context, p *peer, r *roomState, m room.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return ErrWrongRoomKind
	}
	update := *m.Update
	applied, err := r.doc.Apply(update)
	if err != nil {
		return err
	}
	h.deliver(p, room.Message{Type: room.TypeAck, Replica: update.ID.Replica, Seq: update.ID.Seq})
	if !applied {
		return nil
	}
	out := room.UpdateMessage(update)
	r.broadcastLocked(out, p)
	if h.store != nil {
		if err := h.store.Save(ctx, r.id, r.doc.State()); err != nil {
			h.logger.Warn("room state not persisted", "room", r.id.String(), "error", err)
		}
	}
	h.publish(r.id, out)
	return nil
}

func (h *Hub) handleAwareness(p *peer, r *roomState, m room.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presence == nil {
		return ErrWrongRoomKind
	}
	own := make([]room.AwarenessEntry, 0, len(m.Awareness))
	for _, entry := range m.Awareness {
		if entry.Replica == p.replica {
			own = append(own, entry)
		}
	}
	changed := r.mergePresenceLocked(own, p, h.now())
	if len(changed) > 0 {
		r.broadcastLocked(room.Message{Type: room.TypeAwareness, Awareness: changed}, p)
	}
	if len(own) > 0 {
		// Heartbeats travel too so other instances keep the entry alive.
		h.publish(r.id, room.Message{Type: room.TypeAwareness, Replica: p.replica, Awareness: own})
	}
	return nil
}

func (h *Hub) handleStateless(p *peer, r *roomState, m room.Message) {
	r.mu.Lock()
	r.broadcastLocked(m, p)
	content := ""
	if r.doc != nil {
		content = r.doc.Content()
	}
	r.mu.Unlock()
	h.publish(r.id, m)

	if r.doc == nil || h.sink == nil {
		return
	}
	control, ok, err := room.DecodeControl(m.Stateless)
	if err != nil {
		h.logger.Warn("malformed control message", "room", r.id.String(), "replica", p.replica, "error", err)
		return
	}
	if ok {
		h.dispatchControl(r.id, control, content)
	}
}

func (h *Hub) dispatchControl(id room.ID, control room.Control, content string) {
	h.sinkWG.Add(1)
	go func() {
		defer h.sinkWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.sinkTimeout)
		defer cancel()
		var err error
		switch control.Action {
		case room.ActionVersionCreated:
			err = h.sink.VersionCreated(ctx, id, control.VersionName, content)
		case room.ActionDocumentRevert:
			err = h.sink.DocumentReverted(ctx, id, control.VersionID, control.NewVersionName)
		}
		if err != nil {
			h.metrics.sinkFailures.WithLabelValues(control.Action).Inc()
			h.logger.Error("control message not recorded", "room", id.String(), "action", control.Action, "error", err)
		}
	}()
}

// Sweep removes presence entries that missed their heartbeats.
func (h *Hub) Sweep() {
	h.mu.Lock()
	rooms := make([]*roomState, 0, len(h.rooms))
	for _, r := range h.rooms {
		if r.presence != nil {
			rooms = append(rooms, r)
		}
	}
	h.mu.Unlock()

	cutoff := h.now().Add(-h.awarenessTimeout)
	for _, r := range rooms {
		r.mu.Lock()
		var expired []room.AwarenessEntry
		for replica, entry := range r.presence {
			if entry.lastSeen.Before(cutoff) {
				delete(r.presence, replica)
				expired = append(expired, room.AwarenessEntry{Replica: replica, Clock: entry.clock})
			}
		}
		if len(expired) > 0 {
			r.broadcastLocked(room.Message{Type: room.TypeAwareness, Awareness: expired}, nil)
			h.metrics.awarenessExpired.Add(float64(len(expired)))
			h.logger.Info("presence expired", "room", r.id.String(), "replicas", len(expired))
		}
		r.mu.Unlock()
	}
}

func (h *Hub) publish(id room.ID, m room.Message) {
	env := Envelope{Instance: h.instance, Room: id.String(), Message: m}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, env); err != nil {
		h.logger.Warn("room message not fanned out", "room", id.String(), "error", err)
	}
}

func (h *Hub) receiveRemote(env Envelope) {
	if env.Instance == h.instance {
		return
	}
	id, err := room.Parse(env.Room)
	if err != nil {
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[id.String()]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.messages.WithLabelValues(string(env.Message.Type), "remote").Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	m := env.Message
	switch m.Type {
	case room.TypeUpdate:
		if r.doc == nil {
			return
		}
		if applied, err := r.doc.Apply(*m.Update); err == nil && applied {
			r.broadcastLocked(m, nil)
		}
	case room.TypeAwareness:
		if r.presence == nil {
			return
		}
		if changed := r.mergePresenceLocked(m.Awareness, nil, h.now()); len(changed) > 0 {
			r.broadcastLocked(room.Message{Type: room.TypeAwareness, Awareness: changed}, nil)
		}
	case room.TypeStateless:
		r.broadcastLocked(m, nil)
	}
}

func (h *Hub) deliver(p *peer, m room.Message) {
	if !p.deliver(m) && errors.Is(p.err(), errSlowConsumer) {
		h.metrics.slowConsumers.Inc()
	}
}

// mergePresenceLocked applies entries and returns those that changed the
// set. A repeated clock only refreshes the heartbeat.
func (r *roomState) mergePresenceLocked(entries []room.AwarenessEntry, owner *peer, now time.Time) []room.AwarenessEntry {
	var changed []room.AwarenessEntry
	for _, entry := range entries {
		current, exists := r.presence[entry.Replica]
		if entry.Removed() {
			if exists && entry.Clock >= current.clock {
				delete(r.presence, entry.Replica)
				changed = append(changed, room.AwarenessEntry{Replica: entry.Replica, Clock: entry.Clock})
			}
			continue
		}
		if exists && entry.Clock < current.clock {
			continue
		}
		if exists && entry.Clock == current.clock {
			current.lastSeen = now
			if owner != nil {
				current.owner = owner
			}
			continue
		}
		r.presence[entry.Replica] = &presenceEntry{owner: owner, clock: entry.Clock, state: entry.State, lastSeen: now}
		changed = append(changed, entry)
	}
	return changed
}

func (r *roomState) presenceLocked() []room.AwarenessEntry {
	entries := make([]room.AwarenessEntry, 0, len(r.presence))
	for replica, entry := range r.presence {
		entries = append(entries, room.AwarenessEntry{Replica: replica, Clock: entry.clock, State: entry.state})
	}
	return entries
}

// broadcastLocked queues m for every peer except skip, in the room's
// arrival order.
func (r *roomState) broadcastLocked(m room.Message, skip *peer) {
	for p := range r.peers {
		if p != skip {
			p.deliver(m)
		}
	}
}
