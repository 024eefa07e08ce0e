// Package dirinfo resolves per-directory prompt context: git state and
// project identity. Directories come from decoded request snapshots, never
// from the daemon's own working directory. Results are cached by path so a
// burst of prompts from the same directory costs one round of lookups.
package dirinfo

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	// Git state goes stale the moment the user runs a command, so keep it
	// just long enough to absorb a redraw burst.
	gitTTL     = 5 * time.Second
	projectTTL = 5 * time.Minute
)

// Source answers git and project lookups for directories, with caching and
// deduplication of concurrent lookups for the same directory.
type Source struct {
	gitTimeout time.Duration
	git        *ttlcache.Cache[string, *GitInfo]
	projects   *ttlcache.Cache[string, *Project]
	lookups    singleflight.Group
}

// New creates a Source. gitTimeout bounds each git invocation.
func New(gitTimeout time.Duration) *Source {
	git := ttlcache.New[string, *GitInfo](
		ttlcache.WithTTL[string, *GitInfo](gitTTL),
		ttlcache.WithDisableTouchOnHit[string, *GitInfo](),
	)
	projects := ttlcache.New[string, *Project](
		ttlcache.WithTTL[string, *Project](projectTTL),
		ttlcache.WithDisableTouchOnHit[string, *Project](),
	)
	go git.Start()
	go projects.Start()
	return &Source{
		gitTimeout: gitTimeout,
		git:        git,
		projects:   projects,
	}
}

// Close stops the cache expiration loops.
func (s *Source) Close() {
	s.git.Stop()
	s.projects.Stop()
}

// Git returns the git state for dir, or nil when dir is not inside a work
// tree, the lookup fails, or ctx runs out first. A lookup that outlives ctx
// keeps running and lands in the cache for the next prompt.
func (s *Source) Git(ctx context.Context, dir string) *GitInfo {
	if dir == "" {
		return nil
	}
	if item := s.git.Get(dir); item != nil {
		return item.Value()
	}
	ch := s.lookups.DoChan("git\x00"+dir, func() (any, error) {
		info := gatherGit(dir, s.gitTimeout)
		s.git.Set(dir, info, ttlcache.DefaultTTL)
		return info, nil
	})
	select {
	case res := <-ch:
		return res.Val.(*GitInfo)
	case <-ctx.Done():
		return nil
	}
}

// Project returns the project identity for dir, or nil when no manifest is
// found in dir or any of its parents, or when ctx runs out first.
func (s *Source) Project(ctx context.Context, dir string) *Project {
	if dir == "" {
		return nil
	}
	if item := s.projects.Get(dir); item != nil {
		return item.Value()
	}
	ch := s.lookups.DoChan("project\x00"+dir, func() (any, error) {
		p := findProject(dir)
		s.projects.Set(dir, p, ttlcache.DefaultTTL)
		return p, nil
	})
	select {
	case res := <-ch:
		return res.Val.(*Project)
	case <-ctx.Done():
		return nil
	}
}
