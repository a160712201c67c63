// Package lockmanager grants exclusive, all-or-nothing leases over sets of
// canonical file paths, so that concurrent workflows touching overlapping
// files serialize instead of racing.
//
// Grounded on the lease-manager pattern exercised in
// lcxbi7-go-linearizable-sequence-lease-manager's repository_after tests
// (AcquireAndHold/Release, TTL-bounded holder context, fencing via a
// monotonic token) — adapted from that package's distributed CAS-store
// design down to a single-process mutex + map, since coordination here never
// crosses a process boundary.
package lockmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OverLockError is returned by TryAcquire when a requested path names a
// directory rather than a file.
type OverLockError struct {
	Path string
}

func (e *OverLockError) Error() string {
	return fmt.Sprintf("lockmanager: %q is a directory; directory locks are forbidden", e.Path)
}

// LockTimeoutError is returned by Acquire when no grant could be obtained
// before the deadline.
type LockTimeoutError struct {
	Paths []string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lockmanager: timed out acquiring lock on %v", e.Paths)
}

// Grant represents one successful lease over a set of write paths.
type Grant struct {
	ID         string
	Holder     string
	WritePaths []string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Released   bool
}

func (g *Grant) active(now time.Time) bool {
	return !g.Released && g.ExpiresAt.After(now)
}

// IsDirFunc reports whether path names a directory. Injected so tests don't
// need a real filesystem.
type IsDirFunc func(path string) bool

// Manager is the lock manager. All methods are thread-safe under mu.
type Manager struct {
	mu     sync.Mutex
	grants map[string]*Grant
	ttl    time.Duration
	isDir  IsDirFunc

	reaperTick time.Duration
	reaperStop chan struct{}
	reaperDone chan struct{}

	now func() time.Time
}

// New returns a Manager with the spec's default 30 minute TTL.
func New(isDir IsDirFunc) *Manager {
	return &Manager{
		grants:     make(map[string]*Grant),
		ttl:        30 * time.Minute,
		isDir:      isDir,
		reaperTick: time.Minute,
		now:        time.Now,
	}
}

// WithTTL overrides the default lease TTL.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithReaperTick overrides the default reaper tick interval.
func (m *Manager) WithReaperTick(d time.Duration) *Manager {
	m.reaperTick = d
	return m
}

// TryAcquire attempts a non-blocking, all-or-nothing acquisition of
// writePaths. Directories are rejected with *OverLockError. If any path
// conflicts with an active grant, no path is locked and (nil, nil) is
// returned.
func (m *Manager) TryAcquire(holder string, writePaths []string) (*Grant, error) {
	for _, p := range writePaths {
		if m.isDir != nil && m.isDir(p) {
			return nil, &OverLockError{Path: p}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	locked := make(map[string]struct{})
	for _, g := range m.grants {
		if !g.active(now) {
			continue
		}
		for _, p := range g.WritePaths {
			locked[p] = struct{}{}
		}
	}
	for _, p := range writePaths {
		if _, conflict := locked[p]; conflict {
			return nil, nil
		}
	}

	grant := &Grant{
		ID:         uuid.NewString(),
		Holder:     holder,
		WritePaths: append([]string(nil), writePaths...),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.grants[grant.ID] = grant
	copy := *grant
	return &copy, nil
}

// Acquire polls TryAcquire every interval until it succeeds or timeout
// elapses, failing with *LockTimeoutError on deadline.
func (m *Manager) Acquire(holder string, writePaths []string, timeout, interval time.Duration) (*Grant, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := m.now().Add(timeout)
	for {
		grant, err := m.TryAcquire(holder, writePaths)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			return grant, nil
		}
		if m.now().After(deadline) {
			return nil, &LockTimeoutError{Paths: writePaths}
		}
		time.Sleep(interval)
	}
}

// Release marks grantID released. Idempotent: releasing an already-released
// or unknown grant returns false without error.
func (m *Manager) Release(grantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok || g.Released {
		return false
	}
	g.Released = true
	return true
}

// Renew extends grantID's ExpiresAt by the configured TTL. Fails (returns
// false) if the grant is unknown or already released.
func (m *Manager) Renew(grantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok || g.Released {
		return false
	}
	g.ExpiresAt = m.now().Add(m.ttl)
	return true
}

// CheckConflicts returns active grants that hold any of paths. No prefix
// matching is performed: a conflict requires an exact canonical path match.
func (m *Manager) CheckConflicts(paths []string) []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		want[p] = struct{}{}
	}

	now := m.now()
	var out []Grant
	for _, g := range m.grants {
		if !g.active(now) {
			continue
		}
		for _, p := range g.WritePaths {
			if _, ok := want[p]; ok {
				out = append(out, *g)
				break
			}
		}
	}
	return out
}

// ActiveGrants returns every non-released, non-expired grant.
func (m *Manager) ActiveGrants() []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Grant
	for _, g := range m.grants {
		if g.active(now) {
			out = append(out, *g)
		}
	}
	return out
}

// ReleaseAll clears all grants unconditionally.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = make(map[string]*Grant)
}

// GrantCoversPath reports whether grantID names an active grant whose
// write_paths exactly include canonicalPath. Satisfies sidecar.GrantChecker.
func (m *Manager) GrantCoversPath(grantID, canonicalPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok || !g.active(m.now()) {
		return false
	}
	for _, p := range g.WritePaths {
		if p == canonicalPath {
			return true
		}
	}
	return false
}

// StartReaper launches the background reaper goroutine, which on each tick
// marks as released every grant whose ExpiresAt has passed. It is a no-op if
// already running.
func (m *Manager) StartReaper() {
	m.mu.Lock()
	if m.reaperStop != nil {
		m.mu.Unlock()
		return
	}
	m.reaperStop = make(chan struct{})
	m.reaperDone = make(chan struct{})
	stop := m.reaperStop
	done := m.reaperDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.reaperTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.reap()
			}
		}
	}()
}

func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, g := range m.grants {
		if !g.Released && g.ExpiresAt.Before(now) {
			g.Released = true
		}
	}
}

// StopReaper stops the reaper cleanly, blocking until its goroutine exits.
// It is a no-op if the reaper was never started.
func (m *Manager) StopReaper() {
	m.mu.Lock()
	stop := m.reaperStop
	done := m.reaperDone
	m.reaperStop = nil
	m.reaperDone = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
