package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	git "github.com/go-git/go-git/v5"
)

func TestPageVersionLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.CommitVersion("p1", "e1", Content{EntryID: "e1", Title: "Intro", HTML: "<p>one</p>"}, "Avery", "Draft")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if len(first.Hash) != 40 {
		t.Fatalf("expected full commit hash, got %q", first.Hash)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "p1", "e1", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second, err := svc.CommitVersion("p1", "e1", Content{EntryID: "e1", Title: "Intro", HTML: "<p>two</p>"}, "Avery", "Second")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	got, err := svc.ContentAt("p1", "e1", first.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if got.HTML != "<p>one</p>" {
		t.Fatalf("unexpected content at first version: %+v", got)
	}
	got, err = svc.ContentAt("p1", "e1", second.Hash[:7])
	if err != nil {
		t.Fatalf("ContentAt() with short hash error = %v", err)
	}
	if got.HTML != "<p>two</p>" {
		t.Fatalf("unexpected content at second version: %+v", got)
	}

	history, err := svc.History("p1", "e1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].Author != "Avery" {
		t.Fatalf("unexpected author: %q", history[0].Author)
	}
}

func TestUnchangedContentStillGetsItsOwnCommit(t *testing.T) {
	svc := New(t.TempDir())
	content := Content{EntryID: "e1", HTML: "<p>same</p>"}

	a, err := svc.CommitVersion("p1", "e1", content, "Avery", "v1")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	b, err := svc.CommitVersion("p1", "e1", content, "Avery", "Revert #1")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if a.Hash == b.Hash {
		t.Fatal("expected distinct commits for distinct versions")
	}
}

func TestTagVersion(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	commit, err := svc.CommitVersion("p1", "e1", Content{HTML: "<p>x</p>"}, "Avery", "Draft")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if err := svc.TagVersion("p1", "e1", commit.Hash, 7); err != nil {
		t.Fatalf("TagVersion() error = %v", err)
	}
	if err := svc.TagVersion("p1", "e1", commit.Hash, 7); err != nil {
		t.Fatalf("TagVersion() twice error = %v", err)
	}

	repo, err := git.PlainOpen(filepath.Join(tempDir, "p1", "e1"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	tag, err := repo.Tag("version-7")
	if err != nil {
		t.Fatalf("read tag: %v", err)
	}
	tagObj, err := repo.TagObject(tag.Hash())
	if err != nil {
		t.Fatalf("read tag object: %v", err)
	}
	if tagObj.Target.String() != commit.Hash {
		t.Fatalf("tag points at %s, want %s", tagObj.Target, commit.Hash)
	}
}

func TestMissingPageHasNoHistory(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("p1", "missing", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	if _, err := svc.ContentAt("p1", "missing", "abc1234"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestConcurrentCommitVersion(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			content := Content{EntryID: "e1", HTML: fmt.Sprintf("<p>%02d</p>", idx)}
			if _, err := svc.CommitVersion("p1", "e1", content, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitVersion() concurrent error = %v", err)
		}
	}

	history, err := svc.History("p1", "e1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits in history, got %d", writers, len(history))
	}
}
