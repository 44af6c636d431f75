// Package versions creates and reverts named snapshots of a live page.
//
// Snapshots are announced over the page's room as control messages; the
// relay records them in durable storage. Reading snapshots goes straight to
// storage.
package versions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pagesync/internal/room"
	"pagesync/internal/storage"
)

const DefaultVersionName = "Untitled version"

// VersionSnapshot is an immutable named copy of a page.
type VersionSnapshot struct {
	VersionID   int64     `json:"versionId"`
	VersionName string    `json:"versionName"`
	CreatedAt   time.Time `json:"createdAt"`
	DocumentID  string    `json:"documentId"`
}

type versionStore interface {
	ListVersions(ctx context.Context, projectID, entryID string) ([]storage.Version, error)
	GetVersion(ctx context.Context, projectID, entryID string, versionID int64) (storage.Version, error)
}

// liveDocument is the open page a version operation acts on.
type liveDocument interface {
	ID() room.ID
	Set(content string) error
	SendControl(ctx context.Context, c room.Control) error
}

type Channel struct {
	store versionStore
	now   func() time.Time
}

func New(store versionStore) *Channel {
	return &Channel{store: store, now: time.Now}
}

// CreateVersion asks the room to snapshot the page as it currently stands.
func (c *Channel) CreateVersion(ctx context.Context, page liveDocument, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultVersionName
	}
	if err := page.SendControl(ctx, room.Control{Action: room.ActionVersionCreated, VersionName: name}); err != nil {
		return fmt.Errorf("create version %q: %w", name, err)
	}
	return nil
}

// ListVersions returns the page's snapshots as stored, newest first.
func (c *Channel) ListVersions(ctx context.Context, projectID, pageID string) ([]VersionSnapshot, error) {
	id, err := room.Document(projectID, pageID)
	if err != nil {
		return nil, err
	}
	versions, err := c.store.ListVersions(ctx, id.Project, id.Page)
	if err != nil {
		return nil, err
	}
	out := make([]VersionSnapshot, 0, len(versions))
	for _, v := range versions {
		out = append(out, VersionSnapshot{
			VersionID:   v.ID,
			VersionName: v.VersionName,
			CreatedAt:   v.CreatedAt,
			DocumentID:  id.Page,
		})
	}
	return out, nil
}

// RevertTo replaces the live content with the snapshot's content, as an
// ordinary edit, and then announces the revert so storage records it as a
// new version. Storage errors, including unknown ids, are returned as is.
func (c *Channel) RevertTo(ctx context.Context, page liveDocument, versionID int64, newVersionName string) error {
	id := page.ID()
	snapshot, err := c.store.GetVersion(ctx, id.Project, id.Page, versionID)
	if err != nil {
		return err
	}
	if err := page.Set(snapshot.Content); err != nil {
		return fmt.Errorf("apply version %d: %w", versionID, err)
	}
	newVersionName = strings.TrimSpace(newVersionName)
	if newVersionName == "" {
		newVersionName = fmt.Sprintf("Revert #%d (%s)", versionID, c.now().UTC().Format(time.RFC3339))
	}
	control := room.Control{Action: room.ActionDocumentRevert, VersionID: versionID, NewVersionName: newVersionName}
	if err := page.SendControl(ctx, control); err != nil {
		return fmt.Errorf("announce revert to %d: %w", versionID, err)
	}
	return nil
}
