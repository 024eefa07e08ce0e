// Package prompt renders zsh prompt content from environment snapshots.
//
// A Renderer is a pure function of the snapshot it is handed plus the
// directory info source it was built with: it never inspects the daemon's
// own environment or working directory, so concurrent renders for different
// shells cannot observe each other.
package prompt

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gilbus/promptd"
	"github.com/gilbus/promptd/internal/dirinfo"
	"github.com/gilbus/promptd/pkg/protocol"
)

const (
	defaultWidth = 80
	maxWidth     = 512
)

// Renderer builds prompt responses. Safe for concurrent use.
type Renderer struct {
	dirs *dirinfo.Source
	cfg  atomic.Pointer[promptd.Config]

	// now is the clock for the topline; tests swap it out.
	now func() time.Time
}

// New returns a Renderer drawing git and project context from dirs. dirs may
// be nil, in which case those badges are skipped.
func New(dirs *dirinfo.Source, cfg *promptd.Config) *Renderer {
	if cfg == nil {
		cfg = promptd.DefaultConfig()
	}
	r := &Renderer{dirs: dirs, now: time.Now}
	r.cfg.Store(cfg)
	return r
}

// SetConfig swaps the active configuration. Renders already in flight keep
// the snapshot they loaded.
func (r *Renderer) SetConfig(cfg *promptd.Config) {
	if cfg == nil {
		return
	}
	r.cfg.Store(cfg)
}

// Render builds the response for one environment snapshot. Directory lookups
// run in parallel and stop at ctx's deadline; a lookup that misses it just
// drops its badge.
func (r *Renderer) Render(ctx context.Context, env protocol.Environ) (*protocol.Response, error) {
	cfg := r.cfg.Load()
	seg := cfg.Prompt.Segments
	st := NewStyler(cfg.Prompt.ColorEnabled())

	pwd := env["PWD"]

	var (
		wg      sync.WaitGroup
		git     *dirinfo.GitInfo
		project *dirinfo.Project
	)
	if r.dirs != nil && pwd != "" {
		if seg.GitEnabled() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				git = r.dirs.Git(ctx, pwd)
			}()
		}
		if seg.ProjectEnabled() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				project = r.dirs.Project(ctx, pwd)
			}()
		}
	}
	wg.Wait()

	resp := &protocol.Response{}
	if seg.ToplineEnabled() {
		left := gitBadge(st, git) + lastCmdBadge(st, env["LAST_CMD"])
		center := pwdSegment(st, pwd, env["HOME"], cfg.Prompt.PWDMaxLen)
		var right string
		if seg.ClockEnabled() {
			right = clockBadge(st, r.now())
		}
		resp.Topline = topline(left, center, right, cfg.Prompt.RuleChar, terminalWidth(env))
	}

	// PROMPT and RPROMPT pass through the zsh line editor, which needs the
	// escape sequences marked zero-width.
	zw := st.wrapped()
	var ps strings.Builder
	if seg.VenvEnabled() {
		ps.WriteString(envBadge(zw, "🐍", env["VIRTUAL_ENV"], colorTeal))
		ps.WriteString(envBadge(zw, "🅒 ", env["CONDA_DEFAULT_ENV"], colorGreen))
		ps.WriteString(envBadge(zw, "⬡ ", env["NODE_VIRTUAL_ENV"], colorGreen))
	}
	if seg.ProjectEnabled() {
		ps.WriteString(projectBadge(zw, project))
	}
	ps.WriteString(zw.paint(cfg.Prompt.Symbol, colorRed))

	resp.Exports = []protocol.Assignment{
		{Name: "PROMPT", Value: ps.String()},
		{Name: "RPROMPT", Value: statusBadge(zw, env["LAST_EXIT_CODE"])},
		{Name: "LAST_CMD", Value: ""},
	}
	return resp, nil
}

// Fallback returns the minimal response used when a render fails or misses
// its deadline: bare prompt symbol, no badges, no topline.
func (r *Renderer) Fallback() *protocol.Response {
	cfg := r.cfg.Load()
	st := NewStyler(cfg.Prompt.ColorEnabled()).wrapped()
	return &protocol.Response{
		Exports: []protocol.Assignment{
			{Name: "PROMPT", Value: st.paint(cfg.Prompt.Symbol, colorRed)},
			{Name: "RPROMPT", Value: ""},
			{Name: "LAST_CMD", Value: ""},
		},
	}
}

// terminalWidth reads the client's terminal width from the snapshot,
// clamping nonsense to the 80-column default.
func terminalWidth(env protocol.Environ) int {
	n, err := strconv.Atoi(env.First("COLS", "COLUMNS"))
	if err != nil || n <= 0 {
		return defaultWidth
	}
	if n > maxWidth {
		return maxWidth
	}
	return n
}
