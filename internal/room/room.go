// Package room names collaboration rooms and defines the messages exchanged
// inside them.
package room

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidName = errors.New("invalid room name")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ID identifies a room. A room with an empty Page is the project's presence
// room; otherwise it is the document room of that page.
type ID struct {
	Project string
	Page    string
}

func Document(projectID, pageID string) (ID, error) {
	id := ID{Project: strings.TrimSpace(projectID), Page: strings.TrimSpace(pageID)}
	if id.Page == "" {
		return ID{}, fmt.Errorf("%w: page id is required", ErrInvalidName)
	}
	if err := id.validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

func Presence(projectID string) (ID, error) {
	id := ID{Project: strings.TrimSpace(projectID)}
	if err := id.validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Parse accepts `project-{p}-page-{e}` and `project-{p}-presence`, and the
// colon separated form `project:{p}:page:{e}` / `project:{p}:presence`.
func Parse(name string) (ID, error) {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "project:") {
		parts := strings.Split(name, ":")
		switch {
		case len(parts) == 3 && parts[2] == "presence":
			return Presence(parts[1])
		case len(parts) == 4 && parts[2] == "page":
			return Document(parts[1], parts[3])
		}
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	rest, ok := strings.CutPrefix(name, "project-")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if project, ok := strings.CutSuffix(rest, "-presence"); ok && !strings.Contains(project, "-page-") {
		return Presence(project)
	}
	project, page, ok := strings.Cut(rest, "-page-")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return Document(project, page)
}

func (id ID) String() string {
	if id.Page == "" {
		return "project-" + id.Project + "-presence"
	}
	return "project-" + id.Project + "-page-" + id.Page
}

func (id ID) IsPresence() bool {
	return id.Page == ""
}

func (id ID) validate() error {
	if id.Project == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidName)
	}
	if !idPattern.MatchString(id.Project) {
		return fmt.Errorf("%w: project id %q", ErrInvalidName, id.Project)
	}
	if strings.Contains(id.Project, "-page-") || strings.HasSuffix(id.Project, "-presence") {
		return fmt.Errorf("%w: project id %q is ambiguous", ErrInvalidName, id.Project)
	}
	if id.Page != "" && !idPattern.MatchString(id.Page) {
		return fmt.Errorf("%w: page id %q", ErrInvalidName, id.Page)
	}
	return nil
}
