package relay

import (
	"context"
	"fmt"

	"pagesync/internal/room"
	"pagesync/internal/storage"
)

// SnapshotSink records control messages in durable storage. It is called
// once per message, by the relay instance the message arrived on.
type SnapshotSink interface {
	VersionCreated(ctx context.Context, id room.ID, versionName, content string) error
	DocumentReverted(ctx context.Context, id room.ID, versionID int64, newVersionName string) error
}

type versionWriter interface {
	CreateVersion(ctx context.Context, projectID, pageID, versionName, content string) (storage.Version, error)
	RevertVersion(ctx context.Context, projectID, pageID string, versionID int64, newVersionName string) (storage.Version, error)
}

// StorageSink forwards control messages to the storage API.
type StorageSink struct {
	client versionWriter
}

func NewStorageSink(client versionWriter) *StorageSink {
	return &StorageSink{client: client}
}

func (s *StorageSink) VersionCreated(ctx context.Context, id room.ID, versionName, content string) error {
	if _, err := s.client.CreateVersion(ctx, id.Project, id.Page, versionName, content); err != nil {
		return fmt.Errorf("create version for %s: %w", id, err)
	}
	return nil
}

func (s *StorageSink) DocumentReverted(ctx context.Context, id room.ID, versionID int64, newVersionName string) error {
	if _, err := s.client.RevertVersion(ctx, id.Project, id.Page, versionID, newVersionName); err != nil {
		return fmt.Errorf("revert %s to version %d: %w", id, versionID, err)
	}
	return nil
}
