package dirinfo

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// HeadKind says what the checked-out HEAD points at.
type HeadKind int

const (
	HeadBranch HeadKind = iota
	HeadDetached
	HeadTag
)

// GitInfo describes the git state of one directory.
type GitInfo struct {
	// Head is the branch name, or the tag/commit label when detached.
	Head string
	Kind HeadKind

	// Working tree state, from `git status --porcelain=v1`.
	Added     bool
	Modified  bool
	Deleted   bool
	Untracked bool
}

// gatherGit probes dir with git. The head and status probes run in parallel,
// each bounded by timeout. Returns nil when dir is not a work tree. Lookups
// deliberately run off context.Background: a caller giving up early must not
// cancel work whose result the cache can still use.
func gatherGit(dir string, timeout time.Duration) *GitInfo {
	info := &GitInfo{}

	var g errgroup.Group
	var headOut, statusOut string
	g.Go(func() error {
		var err error
		headOut, err = runGit(dir, timeout, "branch")
		return err
	})
	g.Go(func() error {
		var err error
		statusOut, err = runGit(dir, timeout, "status", "-s", "--porcelain=v1")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil
	}

	info.Head, info.Kind = parseHead(headOut)
	if info.Kind == HeadDetached && isTag(dir, timeout, info.Head) {
		info.Kind = HeadTag
	}
	parseStatus(statusOut, info)
	return info
}

// runGit runs one git command against dir and returns its stdout. The
// directory is passed with -C so the daemon's own cwd never leaks into the
// lookup.
func runGit(dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	full := append([]string{"-C", dir}, args...)
	out, err := exec.CommandContext(ctx, "git", full...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseHead extracts the current head from `git branch` output. An empty
// repository with no commits lists no branches; git calls that master.
func parseHead(out string) (string, HeadKind) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		cur, ok := strings.CutPrefix(line, "* ")
		if !ok {
			continue
		}
		for _, marker := range []string{"(HEAD detached at ", "(HEAD detached from "} {
			if name, ok := strings.CutPrefix(cur, marker); ok {
				return strings.TrimSuffix(name, ")"), HeadDetached
			}
		}
		return cur, HeadBranch
	}
	return "master", HeadBranch
}

// isTag reports whether name is one of the repository's tags.
func isTag(dir string, timeout time.Duration, name string) bool {
	out, err := runGit(dir, timeout, "tag")
	if err != nil {
		return false
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if scanner.Text() == name {
			return true
		}
	}
	return false
}

// parseStatus folds porcelain v1 status lines into the work-tree flags.
// Lines are "XY path" with X the index state and Y the work-tree state.
func parseStatus(out string, info *GitInfo) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' && y == '?' {
			info.Untracked = true
			continue
		}
		if x == 'A' {
			info.Added = true
		}
		if x == 'M' || y == 'M' {
			info.Modified = true
		}
		if x == 'D' || y == 'D' {
			info.Deleted = true
		}
	}
}
