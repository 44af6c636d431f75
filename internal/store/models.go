package store

import "time"

type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Page is one entry of a project. HumanizedContent is the generated text the
// page started from; EditedContent is the last content saved by editors.
type Page struct {
	ProjectID        string
	EntryID          string
	Title            string
	HumanizedContent string
	EditedContent    string
	UpdatedAt        time.Time
}

// PageVersion is an immutable named snapshot. Its content lives in the page's
// git history under CommitHash.
type PageVersion struct {
	ID           int64
	ProjectID    string
	EntryID      string
	VersionName  string
	CommitHash   string
	RevertedFrom *int64
	CreatedAt    time.Time
}
