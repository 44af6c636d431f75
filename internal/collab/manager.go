// Package collab manages the collaborative sessions of open pages.
//
// A Manager keeps exactly one Session per (project, page). Each Session owns
// its replicated document and the reconnecting link to the page's room, and
// keeps the local user's presence in the project pointed at the page most
// recently opened.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagesync/internal/awareness"
	"pagesync/internal/reconnect"
	"pagesync/internal/room"
	"pagesync/internal/transport"
)

var (
	ErrInvalidRoom = errors.New("invalid room")
	ErrClosed      = errors.New("session closed")
	ErrOffline     = errors.New("session offline")
)

// User is the local user announced in presence.
type User struct {
	ID    string
	Name  string
	Image string
}

type pageSaver interface {
	SavePage(ctx context.Context, projectID, entryID, content string) error
}

type Options struct {
	Dialer transport.Dialer
	// Awareness is optional; without it sessions publish no presence.
	Awareness *awareness.Aggregator
	User      User
	// Saver, when set, stores the page content when its session closes.
	Saver     pageSaver
	Reconnect reconnect.Settings
	// OfflineThreshold is how long a link may be down before Status reports
	// the session as degraded.
	OfflineThreshold time.Duration
	// SyncTimeout bounds how long OpenSession waits for the room's state.
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

type Manager struct {
	dialer           transport.Dialer
	awareness        *awareness.Aggregator
	user             User
	saver            pageSaver
	reconnect        reconnect.Settings
	offlineThreshold time.Duration
	syncTimeout      time.Duration
	logger           *slog.Logger

	mu       sync.Mutex
	sessions map[room.ID]*Session
	// pages holds each project's open pages, most recently opened last.
	pages  map[string][]string
	closed bool
}

func NewManager(opts Options) *Manager {
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = time.Minute
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		dialer:           opts.Dialer,
		awareness:        opts.Awareness,
		user:             opts.User,
		saver:            opts.Saver,
		reconnect:        opts.Reconnect,
		offlineThreshold: opts.OfflineThreshold,
		syncTimeout:      opts.SyncTimeout,
		logger:           opts.Logger,
		sessions:         make(map[room.ID]*Session),
		pages:            make(map[string][]string),
	}
}

// OpenSession returns the session of (projectID, pageID), opening it if
// needed. Opening an already open page returns the same session and takes
// another reference on it.
//
// On a reachable room OpenSession returns once the room's state has been
// merged; fallback seeds the page only if the room has never been written.
// An unreachable room never fails the call: the session is usable offline
// and keeps reconnecting.
func (m *Manager) OpenSession(ctx context.Context, projectID, pageID, fallback string) (*Session, error) {
	id, err := room.Document(projectID, pageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	s, existing := m.sessions[id]
	if existing {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
	} else {
		s = newSession(m, id, uuid.NewString(), fallback)
		m.sessions[id] = s
	}
	m.pushPageLocked(id)
	m.mu.Unlock()

	if !existing {
		s.link.Start()
	}
	m.publishPresence(ctx, id.Project)

	if err := m.awaitInitialSync(ctx, s); err != nil {
		_ = m.CloseSession(s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) awaitInitialSync(ctx context.Context, s *Session) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()
	if err := s.link.WaitFirstAttempt(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Info("page room unreachable, continuing offline", "error", err)
		return nil
	}
	if err := s.WaitSynced(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("page room did not sync in time", "timeout", m.syncTimeout)
	}
	return nil
}

// CloseSession drops one reference. The last one disconnects the room,
// stores the content when a saver is configured and moves the local
// presence off the page. The room itself is left intact.
func (m *Manager) CloseSession(s *Session) error {
	m.mu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		m.mu.Unlock()
		return nil
	}
	s.refs--
	last := s.refs <= 0
	s.mu.Unlock()
	if !last {
		m.mu.Unlock()
		return nil
	}
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.dropPageLocked(s.id)
	m.mu.Unlock()

	content := s.Content()
	s.close()

	ctx, cancel := context.WithTimeout(context.Background(), m.syncTimeout)
	defer cancel()
	m.publishPresence(ctx, s.id.Project)
	if m.saver != nil && !s.doc.Empty() {
		if err := m.saver.SavePage(ctx, s.id.Project, s.id.Page, content); err != nil {
			return fmt.Errorf("save page %s: %w", s.id, err)
		}
	}
	return nil
}

// Sessions lists the open sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close closes every session regardless of references.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.refs = 1
		s.mu.Unlock()
		if err := m.CloseSession(s); err != nil {
			m.logger.Warn("session not saved on close", "room", s.id.String(), "error", err)
		}
	}
}

func (m *Manager) pushPageLocked(id room.ID) {
	pages := m.pages[id.Project]
	for i, page := range pages {
		if page == id.Page {
			pages = append(pages[:i], pages[i+1:]...)
			break
		}
	}
	m.pages[id.Project] = append(pages, id.Page)
}

func (m *Manager) dropPageLocked(id room.ID) {
	pages := m.pages[id.Project]
	for i, page := range pages {
		if page == id.Page {
			pages = append(pages[:i], pages[i+1:]...)
			break
		}
	}
	if len(pages) == 0 {
		delete(m.pages, id.Project)
		return
	}
	m.pages[id.Project] = pages
}

// publishPresence points the local user at the project's most recently
// opened page, or withdraws it when no page is open.
func (m *Manager) publishPresence(ctx context.Context, projectID string) {
	if m.awareness == nil {
		return
	}
	m.mu.Lock()
	pages := m.pages[projectID]
	current := ""
	if len(pages) > 0 {
		current = pages[len(pages)-1]
	}
	m.mu.Unlock()

	var err error
	if current == "" {
		err = m.awareness.ClearLocalState(ctx, projectID)
	} else {
		err = m.awareness.PublishLocalState(ctx, projectID, awareness.State{
			UserID:    m.user.ID,
			UserName:  m.user.Name,
			UserImage: m.user.Image,
			PageID:    current,
		})
	}
	if err != nil {
		m.logger.Warn("presence not published", "project", projectID, "error", err)
	}
}
