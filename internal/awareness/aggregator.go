// Package awareness tracks who is viewing which page of a project.
//
// Each project gets one presence room and one local replica, no matter how
// many pages are open. The Aggregator merges the presence fragments of every
// replica in the room and hands subscribers a page -> users view rebuilt from
// scratch on every change.
package awareness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagesync/internal/reconnect"
	"pagesync/internal/room"
	"pagesync/internal/transport"
)

var ErrClosed = errors.New("awareness aggregator is closed")

// State is what one replica announces about its user.
type State struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage,omitempty"`
	PageID    string `json:"pageId,omitempty"`
}

type UserInfo struct {
	Replica   string
	UserID    string
	UserName  string
	UserImage string
}

// PageMap lists the users on each page. Replicas without a page are left
// out; order within a page is unspecified.
type PageMap map[string][]UserInfo

type Options struct {
	Dialer    transport.Dialer
	Reconnect reconnect.Settings
	// Heartbeat re-sends the local state so the relay keeps it alive.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

type Aggregator struct {
	dialer    transport.Dialer
	settings  reconnect.Settings
	heartbeat time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	projects map[string]*project
	closed   bool
}

func New(opts Options) *Aggregator {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		dialer:    opts.Dialer,
		settings:  opts.Reconnect,
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger,
		projects:  make(map[string]*project),
	}
}

// PublishLocalState announces the local user in projectID, opening the
// project's presence room if needed. It must be called again whenever the
// local user switches pages. The state is queued while offline.
func (a *Aggregator) PublishLocalState(ctx context.Context, projectID string, state State) error {
	p, err := a.acquire(projectID, func(p *project) bool {
		if p.published {
			return false
		}
		p.published = true
		return true
	})
	if err != nil {
		return err
	}
	return p.publish(ctx, state)
}

// ClearLocalState withdraws the local user from projectID.
func (a *Aggregator) ClearLocalState(ctx context.Context, projectID string) error {
	a.mu.Lock()
	p, ok := a.projects[projectID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if !p.withdraw(ctx) {
		return nil
	}
	a.release(p)
	return nil
}

// Subscribe calls fn with the current view and again after every change.
// The returned function stops the subscription.
func (a *Aggregator) Subscribe(projectID string, fn func(PageMap)) (func(), error) {
	var id int
	p, err := a.acquire(projectID, func(p *project) bool {
		id = p.nextSub
		p.nextSub++
		p.subs[id] = fn
		return true
	})
	if err != nil {
		return nil, err
	}
	fn(p.view())

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			a.release(p)
		})
	}, nil
}

// Snapshot returns the current view without subscribing.
func (a *Aggregator) Snapshot(projectID string) PageMap {
	a.mu.Lock()
	p, ok := a.projects[projectID]
	a.mu.Unlock()
	if !ok {
		return PageMap{}
	}
	return p.view()
}

// Status reports the presence room's link state, if the project is open.
func (a *Aggregator) Status(projectID string) (reconnect.State, bool) {
	a.mu.Lock()
	p, ok := a.projects[projectID]
	a.mu.Unlock()
	if !ok {
		return reconnect.StateClosed, false
	}
	return p.link.State(), true
}

// Close withdraws the local user from every project and closes their rooms.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	projects := make([]*project, 0, len(a.projects))
	for _, p := range a.projects {
		projects = append(projects, p)
	}
	a.projects = make(map[string]*project)
	a.mu.Unlock()

	for _, p := range projects {
		p.shutdown()
	}
}

// acquire opens the project if needed and runs take under the project lock;
// take reports whether it added a reference.
func (a *Aggregator) acquire(projectID string, take func(*project) bool) (*project, error) {
	id, err := room.Presence(projectID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	p, ok := a.projects[projectID]
	if !ok {
		p = a.open(id)
		a.projects[projectID] = p
	}
	p.mu.Lock()
	if take(p) {
		p.refs++
	}
	p.mu.Unlock()
	return p, nil
}

func (a *Aggregator) release(p *project) {
	a.mu.Lock()
	p.mu.Lock()
	p.refs--
	last := p.refs <= 0
	p.mu.Unlock()
	if last && a.projects[p.id.Project] == p {
		delete(a.projects, p.id.Project)
	}
	a.mu.Unlock()
	if last {
		p.shutdown()
	}
}

func (a *Aggregator) open(id room.ID) *project {
	p := &project{
		id:        id,
		replica:   uuid.NewString(),
		heartbeat: a.heartbeat,
		logger:    a.logger.With("room", id.String()),
		remote:    make(map[string]remoteEntry),
		subs:      make(map[int]func(PageMap)),
		stop:      make(chan struct{}),
	}
	p.link = reconnect.New(id, p.replica, a.dialer, p, a.settings, a.logger)
	p.link.Start()
	go p.heartbeatLoop()
	return p
}

type remoteEntry struct {
	clock uint64
	state State
}

type project struct {
	id        room.ID
	replica   string
	link      *reconnect.Link
	heartbeat time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once

	mu         sync.Mutex
	refs       int
	published  bool
	local      *State
	localClock uint64
	remote     map[string]remoteEntry
	subs       map[int]func(PageMap)
	nextSub    int
}

func (p *project) publish(ctx context.Context, state State) error {
	p.mu.Lock()
	p.localClock++
	local := state
	p.local = &local
	m, err := p.localMessageLocked()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.notify()
	return p.send(ctx, m)
}

// withdraw sends a removal for the local replica and reports whether the
// local state held a reference.
func (p *project) withdraw(ctx context.Context) bool {
	p.mu.Lock()
	if !p.published {
		p.mu.Unlock()
		return false
	}
	p.published = false
	p.local = nil
	p.localClock++
	m := room.Message{Type: room.TypeAwareness, Replica: p.replica, Awareness: []room.AwarenessEntry{{Replica: p.replica, Clock: p.localClock}}}
	p.mu.Unlock()
	p.notify()
	if err := p.send(ctx, m); err != nil {
		p.logger.Debug("presence removal not sent", "error", err)
	}
	return true
}

func (p *project) send(ctx context.Context, m room.Message) error {
	err := p.link.Send(ctx, m)
	if errors.Is(err, reconnect.ErrOffline) {
		// Re-sent by Connected.
		return nil
	}
	return err
}

func (p *project) localMessageLocked() (room.Message, error) {
	if p.local == nil {
		return room.Message{}, errors.New("no local state")
	}
	raw, err := json.Marshal(p.local)
	if err != nil {
		return room.Message{}, fmt.Errorf("marshal presence: %w", err)
	}
	return room.Message{
		Type:      room.TypeAwareness,
		Replica:   p.replica,
		Awareness: []room.AwarenessEntry{{Replica: p.replica, Clock: p.localClock, State: raw}},
	}, nil
}

// Connected asks for the room's presence set and re-announces the local
// state right away.
func (p *project) Connected(ctx context.Context, conn transport.Conn) error {
	if err := conn.Send(ctx, room.Message{Type: room.TypeSync, Replica: p.replica}); err != nil {
		return err
	}
	p.mu.Lock()
	var m room.Message
	var err error
	hasLocal := p.local != nil
	if hasLocal {
		m, err = p.localMessageLocked()
	}
	p.mu.Unlock()
	if !hasLocal {
		return nil
	}
	if err != nil {
		return err
	}
	return conn.Send(ctx, m)
}

func (p *project) Message(m room.Message) {
	if m.Type != room.TypeAwareness {
		return
	}
	p.mu.Lock()
	changed := false
	if m.Replica == room.ServerReplica {
		// Full set in answer to our sync.
		next := make(map[string]remoteEntry, len(m.Awareness))
		for _, entry := range m.Awareness {
			if entry.Replica == p.replica || entry.Removed() {
				continue
			}
			var state State
			if err := json.Unmarshal(entry.State, &state); err != nil {
				continue
			}
			next[entry.Replica] = remoteEntry{clock: entry.Clock, state: state}
		}
		p.remote = next
		changed = true
	} else {
		for _, entry := range m.Awareness {
			if entry.Replica == p.replica {
				continue
			}
			if p.mergeLocked(entry) {
				changed = true
			}
		}
	}
	p.mu.Unlock()
	if changed {
		p.notify()
	}
}

func (p *project) mergeLocked(entry room.AwarenessEntry) bool {
	current, exists := p.remote[entry.Replica]
	if entry.Removed() {
		if exists && entry.Clock >= current.clock {
			delete(p.remote, entry.Replica)
			return true
		}
		return false
	}
	if exists && entry.Clock <= current.clock {
		return false
	}
	var state State
	if err := json.Unmarshal(entry.State, &state); err != nil {
		p.logger.Warn("dropping malformed presence", "replica", entry.Replica, "error", err)
		return false
	}
	p.remote[entry.Replica] = remoteEntry{clock: entry.Clock, state: state}
	return true
}

// Disconnected keeps the last known remote states.
func (p *project) Disconnected(err error) {
	p.logger.Info("presence room disconnected", "error", err)
}

func (p *project) heartbeatLoop() {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.local == nil {
				p.mu.Unlock()
				continue
			}
			m, err := p.localMessageLocked()
			p.mu.Unlock()
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.heartbeat)
			if err := p.send(ctx, m); err != nil {
				p.logger.Debug("presence heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

func (p *project) shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.mu.Lock()
		hadLocal := p.local != nil
		p.local = nil
		p.localClock++
		clock := p.localClock
		p.mu.Unlock()
		if hadLocal {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = p.link.Send(ctx, room.Message{Type: room.TypeAwareness, Replica: p.replica, Awareness: []room.AwarenessEntry{{Replica: p.replica, Clock: clock}}})
			cancel()
		}
		p.link.Close()
	})
}

func (p *project) view() PageMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

func (p *project) viewLocked() PageMap {
	pages := PageMap{}
	add := func(replica string, state State) {
		if state.PageID == "" {
			return
		}
		pages[state.PageID] = append(pages[state.PageID], UserInfo{
			Replica:   replica,
			UserID:    state.UserID,
			UserName:  state.UserName,
			UserImage: state.UserImage,
		})
	}
	if p.local != nil {
		add(p.replica, *p.local)
	}
	for replica, entry := range p.remote {
		add(replica, entry.state)
	}
	for _, users := range pages {
		sort.Slice(users, func(i, j int) bool { return users[i].Replica < users[j].Replica })
	}
	return pages
}

func (p *project) notify() {
	p.mu.Lock()
	view := p.viewLocked()
	subs := make([]func(PageMap), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(clonePageMap(view))
	}
}

func clonePageMap(in PageMap) PageMap {
	out := make(PageMap, len(in))
	for page, users := range in {
		out[page] = append([]UserInfo(nil), users...)
	}
	return out
}
