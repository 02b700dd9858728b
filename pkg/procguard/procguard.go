// Package procguard tracks every subprocess an engine adapter spawns so
// they can all be terminated together on shutdown, and sanitizes the
// environment handed to those subprocesses by building a command's Env
// slice from os.Environ() plus overrides, denying a fixed list of
// credential-bearing variable names.
package procguard

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"codemachine/pkg/logx"
)

// denyPrefixes lists environment variable name prefixes never forwarded
// into a spawned subprocess, regardless of what the caller's Env override
// requests.
var denyPrefixes = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"AWS_SECRET_",
	"AWS_SESSION_TOKEN",
}

// SanitizeEnv returns base followed by extra, with every denied variable
// removed from both.
func SanitizeEnv(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range append(append([]string(nil), base...), extra...) {
		denied := false
		for _, prefix := range denyPrefixes {
			if strings.HasPrefix(kv, prefix) {
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, kv)
		}
	}
	return out
}

// SanitizedEnviron returns the current process environment with denied
// variables stripped, plus extra.
func SanitizedEnviron(extra ...string) []string {
	return SanitizeEnv(os.Environ(), extra...)
}

// Guard is a process-wide registry of running subprocesses, so a shutdown
// signal can terminate every one of them instead of only the one the
// caller happens to know about.
type Guard struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
	log   *logx.Logger
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{procs: make(map[int]*exec.Cmd), log: logx.NewLogger("procguard")}
}

// Track registers cmd (which must already have been Start()ed) so it is
// included in a future TerminateAll.
func (g *Guard) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	g.mu.Lock()
	g.procs[cmd.Process.Pid] = cmd
	g.mu.Unlock()
}

// Untrack removes cmd from the registry, called once it has exited.
func (g *Guard) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	g.mu.Lock()
	delete(g.procs, cmd.Process.Pid)
	g.mu.Unlock()
}

// TerminateAll signals every tracked process to exit, waiting up to grace
// for a clean exit before escalating to Kill.
func (g *Guard) TerminateAll(ctx context.Context, grace time.Duration) {
	g.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(g.procs))
	for _, cmd := range g.procs {
		procs = append(procs, cmd)
	}
	g.mu.Unlock()

	if len(procs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, cmd := range procs {
		cmd := cmd
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.terminateOne(cmd, grace)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("terminate-all context expired before all subprocesses exited")
	}
}

func (g *Guard) terminateOne(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		g.log.Warn("interrupt pid %d failed: %v", pid, err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(grace):
		g.log.Warn("pid %d did not exit within %s, killing", pid, grace)
		_ = cmd.Process.Kill()
		<-exited
	}
	g.Untrack(cmd)
}

// Count returns the number of currently tracked processes.
func (g *Guard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.procs)
}
