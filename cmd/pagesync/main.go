// Command pagesync edits one page of a project from the terminal.
//
// Every input line replaces the page content, except for these commands:
//
//	:show              print the current content
//	:who               list the users on each page of the project
//	:status            print the connection status
//	:versions          list the page's versions
//	:version [name]    snapshot the page
//	:revert id [name]  restore a version on every replica
//	:quit
//
// The client never holds the storage sync token. Joining a room that
// requires tokens takes one issued by a trusted backend, passed with -token
// or PAGESYNC_ROOM_TOKEN.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"pagesync/internal/awareness"
	"pagesync/internal/collab"
	"pagesync/internal/config"
	"pagesync/internal/reconnect"
	"pagesync/internal/room"
	"pagesync/internal/storage"
	"pagesync/internal/transport"
	"pagesync/internal/versions"
)

func main() {
	cfg := config.Load()
	projectID := flag.String("project", "", "project id")
	pageID := flag.String("page", "", "page id")
	userID := flag.String("user", uuid.NewString(), "user id announced in presence")
	userName := flag.String("name", os.Getenv("USER"), "user name announced in presence")
	roomToken := flag.String("token", cfg.RoomToken, "room token issued for the project")
	flag.Parse()

	logger := cfg.Logger()
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newStorageClient(cfg, logger)
	dialer := transport.NewWebsocketDialer(cfg.RelayURL, staticToken(*roomToken), nil, logger)
	settings := reconnect.DefaultSettings()
	settings.MinDelay = cfg.ReconnectMin
	settings.MaxDelay = cfg.ReconnectMax

	presence := awareness.New(awareness.Options{
		Dialer:    dialer,
		Reconnect: settings,
		Heartbeat: cfg.HeartbeatInterval,
		Logger:    logger,
	})
	manager := collab.NewManager(collab.Options{
		Dialer:           dialer,
		Awareness:        presence,
		User:             collab.User{ID: *userID, Name: *userName},
		Saver:            client,
		Reconnect:        settings,
		OfflineThreshold: cfg.OfflineThreshold,
		SyncTimeout:      cfg.SyncTimeout,
		Logger:           logger,
	})
	defer presence.Close()
	defer manager.Close()

	fallback := ""
	if project, err := client.GetProject(ctx, *projectID); err == nil {
		if page, ok := project.Page(*pageID); ok {
			fallback = page.EditedContent
			if fallback == "" {
				fallback = page.HumanizedContent
			}
		}
	} else {
		logger.Warn("page not loaded from storage", "error", err)
	}

	session, err := manager.OpenSession(ctx, *projectID, *pageID, fallback)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer manager.CloseSession(session)
	session.OnChange(func(content string) {
		fmt.Printf("< %s\n", content)
	})
	session.OnControl(func(c room.Control) {
		fmt.Printf("* %s %s\n", c.Action, c.VersionName)
	})

	channel := versions.New(client)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if done := run(ctx, line, session, channel, presence); done {
				return
			}
		}
	}
}

// newStorageClient only reaches the public storage routes.
func newStorageClient(cfg config.Config, logger *slog.Logger) *storage.Client {
	return storage.NewClient(cfg.APIURL, storage.Options{
		Retries: cfg.StorageRetries,
		Logger:  logger,
	})
}

func staticToken(token string) transport.TokenSource {
	token = strings.TrimSpace(token)
	return func(context.Context, room.ID) (string, error) {
		return token, nil
	}
}

func run(ctx context.Context, line string, session *collab.Session, channel *versions.Channel, presence *awareness.Aggregator) bool {
	if !strings.HasPrefix(line, ":") {
		if err := session.Set(line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return false
	}
	command, rest, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	rest = strings.TrimSpace(rest)
	switch command {
	case "quit", "q":
		return true
	case "show":
		fmt.Println(session.Content())
	case "status":
		status := session.Status()
		fmt.Printf("%s synced=%t degraded=%t pending=%d\n", status.State, status.Synced, status.Degraded, status.Pending)
	case "who":
		pages := presence.Snapshot(session.ProjectID())
		ids := make([]string, 0, len(pages))
		for id := range pages {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			names := make([]string, 0, len(pages[id]))
			for _, user := range pages[id] {
				names = append(names, user.UserName)
			}
			fmt.Printf("%s: %s\n", id, strings.Join(names, ", "))
		}
	case "versions":
		list, err := channel.ListVersions(ctx, session.ProjectID(), session.PageID())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		for _, v := range list {
			fmt.Printf("%d\t%s\t%s\n", v.VersionID, v.CreatedAt.Local().Format("2006-01-02 15:04"), v.VersionName)
		}
	case "version":
		if err := channel.CreateVersion(ctx, session, rest); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	case "revert":
		rawID, name, _ := strings.Cut(rest, " ")
		versionID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid version id %q\n", rawID)
			return false
		}
		if err := channel.RevertTo(ctx, session, versionID, strings.TrimSpace(name)); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
	}
	return false
}
