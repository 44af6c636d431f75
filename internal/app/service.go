package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pagesync/internal/auth"
	"pagesync/internal/config"
	"pagesync/internal/gitrepo"
	"pagesync/internal/room"
	"pagesync/internal/store"
)

const (
	defaultVersionName = "Untitled version"
	systemAuthor       = "pagesync"
)

type ProjectView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type PageView struct {
	EntryID          string    `json:"entry_id"`
	Title            string    `json:"title"`
	HumanizedContent string    `json:"humanized_content"`
	EditedContent    string    `json:"edited_content"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type ProjectPagesView struct {
	Project ProjectView `json:"project"`
	Pages   []PageView  `json:"pages"`
}

type VersionView struct {
	ID           int64     `json:"id"`
	VersionName  string    `json:"version_name"`
	CreatedAt    time.Time `json:"created_at"`
	RevertedFrom *int64    `json:"reverted_from,omitempty"`
	Content      *string   `json:"content,omitempty"`
}

type RoomTokenView struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ImportPageInput struct {
	EntryID          string `json:"entry_id"`
	Title            string `json:"title"`
	HumanizedContent string `json:"humanized_content"`
}

type dataStore interface {
	UpsertProject(context.Context, store.Project) (store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	ListPages(context.Context, string) ([]store.Page, error)
	UpsertPage(context.Context, store.Page) error
	SavePageContent(context.Context, string, string, string) error
	EnsurePage(context.Context, string, string) error
	InsertPageVersion(context.Context, store.PageVersion) (store.PageVersion, error)
	ListPageVersions(context.Context, string, string) ([]store.PageVersion, error)
	GetPageVersion(context.Context, string, string, int64) (store.PageVersion, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	CommitVersion(string, string, gitrepo.Content, string, string) (gitrepo.Commit, error)
	TagVersion(string, string, string, int64) error
	ContentAt(string, string, string) (gitrepo.Content, error)
}

type Service struct {
	cfg    config.Config
	tokens *auth.Signer
	store  dataStore
	git    gitService
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service, logger *slog.Logger) *Service {
	return newService(cfg, dataStore, gitService, logger)
}

func newService(cfg config.Config, dataStore dataStore, gitService gitService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var tokens *auth.Signer
	if strings.TrimSpace(cfg.RoomSecret) != "" {
		tokens = auth.NewSigner([]byte(cfg.RoomSecret))
	}
	return &Service{
		cfg:    cfg,
		tokens: tokens,
		store:  dataStore,
		git:    gitService,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PutProject(ctx context.Context, projectID, name string) (ProjectView, error) {
	if _, err := room.Presence(projectID); err != nil {
		return ProjectView{}, validationError(err)
	}
	project, err := s.store.UpsertProject(ctx, store.Project{ID: projectID, Name: strings.TrimSpace(name)})
	if err != nil {
		return ProjectView{}, err
	}
	return toProjectView(project), nil
}

func (s *Service) GetProject(ctx context.Context, projectID string) (ProjectPagesView, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return ProjectPagesView{}, err
	}
	pages, err := s.store.ListPages(ctx, projectID)
	if err != nil {
		return ProjectPagesView{}, err
	}
	view := ProjectPagesView{Project: toProjectView(project), Pages: make([]PageView, 0, len(pages))}
	for _, page := range pages {
		view.Pages = append(view.Pages, PageView{
			EntryID:          page.EntryID,
			Title:            page.Title,
			HumanizedContent: page.HumanizedContent,
			EditedContent:    page.EditedContent,
			UpdatedAt:        page.UpdatedAt,
		})
	}
	return view, nil
}

// ImportPages creates or refreshes pages from generated content. Edited
// content is kept.
func (s *Service) ImportPages(ctx context.Context, projectID string, pages []ImportPageInput) error {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	for _, page := range pages {
		if _, err := room.Document(projectID, page.EntryID); err != nil {
			return validationError(err)
		}
	}
	for _, page := range pages {
		err := s.store.UpsertPage(ctx, store.Page{
			ProjectID:        projectID,
			EntryID:          strings.TrimSpace(page.EntryID),
			Title:            page.Title,
			HumanizedContent: page.HumanizedContent,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) SavePage(ctx context.Context, projectID, entryID, content string) error {
	if _, err := room.Document(projectID, entryID); err != nil {
		return validationError(err)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	return s.store.SavePageContent(ctx, projectID, entryID, content)
}

func (s *Service) ListVersions(ctx context.Context, projectID, entryID string) ([]VersionView, error) {
	versions, err := s.store.ListPageVersions(ctx, projectID, entryID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionView, 0, len(versions))
	for _, v := range versions {
		out = append(out, toVersionView(v, nil))
	}
	return out, nil
}

func (s *Service) GetVersion(ctx context.Context, projectID, entryID string, versionID int64) (VersionView, error) {
	version, err := s.store.GetPageVersion(ctx, projectID, entryID, versionID)
	if err != nil {
		return VersionView{}, versionLookupError(err, versionID)
	}
	content, err := s.git.ContentAt(projectID, entryID, version.CommitHash)
	if err != nil {
		return VersionView{}, fmt.Errorf("read version %d content: %w", versionID, err)
	}
	return toVersionView(version, &content.HTML), nil
}

// CreateVersion snapshots content as a new named version of the page.
func (s *Service) CreateVersion(ctx context.Context, projectID, entryID, name, content, author string) (VersionView, error) {
	if _, err := room.Document(projectID, entryID); err != nil {
		return VersionView{}, validationError(err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultVersionName
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return VersionView{}, err
	}
	if err := s.store.EnsurePage(ctx, projectID, entryID); err != nil {
		return VersionView{}, err
	}
	version, err := s.recordVersion(ctx, projectID, entryID, name, content, author, nil)
	if err != nil {
		return VersionView{}, err
	}
	return toVersionView(version, &content), nil
}

// RevertVersion records a new version whose content is the content of
// versionID, and makes it the page's saved content. The reverted version is
// left untouched.
func (s *Service) RevertVersion(ctx context.Context, projectID, entryID string, versionID int64, newName, author string) (VersionView, error) {
	source, err := s.store.GetPageVersion(ctx, projectID, entryID, versionID)
	if err != nil {
		return VersionView{}, versionLookupError(err, versionID)
	}
	content, err := s.git.ContentAt(projectID, entryID, source.CommitHash)
	if err != nil {
		return VersionView{}, fmt.Errorf("read version %d content: %w", versionID, err)
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		newName = fmt.Sprintf("Revert #%d (%s)", versionID, s.now().UTC().Format(time.RFC3339))
	}
	version, err := s.recordVersion(ctx, projectID, entryID, newName, content.HTML, author, &source.ID)
	if err != nil {
		return VersionView{}, err
	}
	if err := s.store.SavePageContent(ctx, projectID, entryID, content.HTML); err != nil {
		return VersionView{}, err
	}
	return toVersionView(version, &content.HTML), nil
}

func (s *Service) IssueRoomToken(ctx context.Context, projectID, userID, userName string) (RoomTokenView, error) {
	if s.tokens == nil {
		return RoomTokenView{}, domainError(http.StatusServiceUnavailable, CodeRoomTokensDisabled, "Room tokens are not configured", nil)
	}
	if strings.TrimSpace(userID) == "" {
		return RoomTokenView{}, invalidInput("user_id is required")
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return RoomTokenView{}, err
	}
	token, claims, err := s.tokens.IssueRoomToken(projectID, userID, userName, s.cfg.RoomTTL)
	if err != nil {
		return RoomTokenView{}, err
	}
	return RoomTokenView{Token: token, ExpiresAt: claims.ExpiresAt()}, nil
}

func (s *Service) recordVersion(ctx context.Context, projectID, entryID, name, content, author string, revertedFrom *int64) (store.PageVersion, error) {
	if strings.TrimSpace(author) == "" {
		author = systemAuthor
	}
	commit, err := s.git.CommitVersion(projectID, entryID, gitrepo.Content{EntryID: entryID, HTML: content}, author, name)
	if err != nil {
		return store.PageVersion{}, err
	}
	version, err := s.store.InsertPageVersion(ctx, store.PageVersion{
		ProjectID:    projectID,
		EntryID:      entryID,
		VersionName:  name,
		CommitHash:   commit.Hash,
		RevertedFrom: revertedFrom,
	})
	if err != nil {
		return store.PageVersion{}, err
	}
	if err := s.git.TagVersion(projectID, entryID, commit.Hash, version.ID); err != nil {
		s.logger.Warn("version not tagged", "project", projectID, "entry", entryID, "version", version.ID, "error", err)
	}
	return version, nil
}

func toProjectView(project store.Project) ProjectView {
	return ProjectView{ID: project.ID, Name: project.Name, CreatedAt: project.CreatedAt}
}

func toVersionView(version store.PageVersion, content *string) VersionView {
	return VersionView{
		ID:           version.ID,
		VersionName:  version.VersionName,
		CreatedAt:    version.CreatedAt,
		RevertedFrom: version.RevertedFrom,
		Content:      content,
	}
}
