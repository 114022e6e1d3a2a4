// Package subagents tracks spawned helper agents: who requested them,
// their lifecycle, and the announce hand-back when they finish.
package subagents

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zwright8/openclaw-sub006/internal/sessions"
)

// RunStatus is the lifecycle state of a subagent run.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusDone    RunStatus = "done"
	StatusFailed  RunStatus = "failed"
	StatusKilled  RunStatus = "killed"
)

// Run is one spawned subagent execution.
type Run struct {
	ID    string
	Label string
	Task  string

	// SessionKey is the subagent's own session; RequesterSessionKey is the
	// session that spawned it.
	SessionKey          string
	RequesterSessionKey string

	Status    RunStatus
	Result    string
	StartedAt time.Time
	EndedAt   time.Time
}

func (r Run) Active() bool { return r.Status == StatusRunning }

// Limits bound the spawn tree.
type Limits struct {
	MaxConcurrent       int // simultaneous running subagents overall
	MaxSpawnDepth       int // how deep subagents may spawn subagents
	MaxChildrenPerAgent int // direct children per requester session
}

// DefaultLimits mirror the configuration defaults.
var DefaultLimits = Limits{MaxConcurrent: 8, MaxSpawnDepth: 1, MaxChildrenPerAgent: 4}

// Registry is the in-memory spawn tree: runs by id plus the adjacency from
// requester session to child run ids.
type Registry struct {
	mu       sync.Mutex
	limits   Limits
	runs     map[string]*Run
	children map[string]map[string]bool
	cancels  map[string]func()
}

func NewRegistry(limits Limits) *Registry {
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = DefaultLimits.MaxConcurrent
	}
	if limits.MaxChildrenPerAgent <= 0 {
		limits.MaxChildrenPerAgent = DefaultLimits.MaxChildrenPerAgent
	}
	return &Registry{
		limits:   limits,
		runs:     make(map[string]*Run),
		children: make(map[string]map[string]bool),
		cancels:  make(map[string]func()),
	}
}

// Spawn registers a new subagent run. cancel, when non-nil, is invoked if
// the run is later killed.
func (g *Registry) Spawn(agentID, label, task, requesterSessionKey string, cancel func()) (Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if depth := g.depthLocked(requesterSessionKey); depth > g.limits.MaxSpawnDepth {
		return Run{}, fmt.Errorf("spawn depth %d exceeds limit %d", depth, g.limits.MaxSpawnDepth)
	}
	if active := g.activeChildrenLocked(requesterSessionKey); active >= g.limits.MaxChildrenPerAgent {
		return Run{}, fmt.Errorf("requester already has %d active subagents", active)
	}
	if running := g.runningLocked(); running >= g.limits.MaxConcurrent {
		return Run{}, fmt.Errorf("subagent concurrency limit %d reached", g.limits.MaxConcurrent)
	}

	run := &Run{
		ID:                  uuid.NewString(),
		Label:               label,
		Task:                task,
		SessionKey:          sessions.BuildSubagentSessionKey(agentID, label),
		RequesterSessionKey: requesterSessionKey,
		Status:              StatusRunning,
		StartedAt:           time.Now(),
	}
	g.runs[run.ID] = run
	if g.children[requesterSessionKey] == nil {
		g.children[requesterSessionKey] = make(map[string]bool)
	}
	g.children[requesterSessionKey][run.ID] = true
	if cancel != nil {
		g.cancels[run.ID] = cancel
	}
	return *run, nil
}

// Complete marks a run finished with its result text.
func (g *Registry) Complete(runID, result string) (Run, bool) {
	return g.finish(runID, StatusDone, result)
}

// Fail marks a run failed.
func (g *Registry) Fail(runID, reason string) (Run, bool) {
	return g.finish(runID, StatusFailed, reason)
}

func (g *Registry) finish(runID string, status RunStatus, result string) (Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	run, ok := g.runs[runID]
	if !ok {
		return Run{}, false
	}
	if run.Status == StatusRunning {
		run.Status = status
		run.Result = result
		run.EndedAt = time.Now()
	}
	delete(g.cancels, runID)
	return *run, true
}

// Get returns a run snapshot by id.
func (g *Registry) Get(runID string) (Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// ListForRequester returns the direct children of a requester session.
func (g *Registry) ListForRequester(requesterSessionKey string) []Run {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Run
	for id := range g.children[requesterSessionKey] {
		if run, ok := g.runs[id]; ok {
			out = append(out, *run)
		}
	}
	return out
}

// KillAll cancels every subagent in the requester's subtree and returns
// the ids of runs that were still active. The walk follows the adjacency
// through already-ended intermediates so grandchildren are reached even
// when their parent finished first.
func (g *Registry) KillAll(requesterSessionKey string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var killed []string
	queue := []string{requesterSessionKey}
	seen := map[string]bool{requesterSessionKey: true}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for id := range g.children[key] {
			run, ok := g.runs[id]
			if !ok {
				continue
			}
			if run.Status == StatusRunning {
				run.Status = StatusKilled
				run.EndedAt = time.Now()
				if cancel := g.cancels[id]; cancel != nil {
					cancel()
					delete(g.cancels, id)
				}
				killed = append(killed, id)
			}
			if !seen[run.SessionKey] {
				seen[run.SessionKey] = true
				queue = append(queue, run.SessionKey)
			}
		}
	}
	return killed
}

// CountActiveDescendantRuns counts the running subagents anywhere in the
// requester's subtree, not just direct children. Like KillAll, the walk
// passes through already-ended intermediates.
func (g *Registry) CountActiveDescendantRuns(requesterSessionKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	queue := []string{requesterSessionKey}
	seen := map[string]bool{requesterSessionKey: true}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for id := range g.children[key] {
			run, ok := g.runs[id]
			if !ok {
				continue
			}
			if run.Active() {
				n++
			}
			if !seen[run.SessionKey] {
				seen[run.SessionKey] = true
				queue = append(queue, run.SessionKey)
			}
		}
	}
	return n
}

// Prune drops finished runs older than the retention window.
func (g *Registry) Prune(olderThan time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, run := range g.runs {
		if run.Status == StatusRunning || run.EndedAt.After(cutoff) {
			continue
		}
		delete(g.runs, id)
		delete(g.children[run.RequesterSessionKey], id)
		removed++
	}
	return removed
}

func (g *Registry) depthLocked(sessionKey string) int {
	// A requester that is itself a subagent session adds one level per
	// ancestor hop.
	depth := 1
	key := sessionKey
	for sessions.IsSubagentSession(key) {
		depth++
		parent := ""
		for _, run := range g.runs {
			if run.SessionKey == key {
				parent = run.RequesterSessionKey
				break
			}
		}
		if parent == "" || parent == key {
			break
		}
		key = parent
	}
	return depth
}

func (g *Registry) activeChildrenLocked(requesterSessionKey string) int {
	n := 0
	for id := range g.children[requesterSessionKey] {
		if run, ok := g.runs[id]; ok && run.Active() {
			n++
		}
	}
	return n
}

func (g *Registry) runningLocked() int {
	n := 0
	for _, run := range g.runs {
		if run.Active() {
			n++
		}
	}
	return n
}
