package cache

import (
	"context"
	"sync"
	"time"
)

const DefaultScanWindow = 2 * time.Second

// ScanGuard suppresses repeated reads of one physical scan. Each scope (an
// operator or terminal) remembers its last accepted code for a short window.
type ScanGuard interface {
	// Check reports whether code repeats the scope's last accepted code inside
	// the window. When it does not, code becomes the last accepted one.
	// prior is whatever Remember stored for the repeated code, if anything.
	Check(ctx context.Context, scope string, code string) (dup bool, prior []byte, err error)
	// Remember attaches the result handed back on duplicates of code.
	Remember(ctx context.Context, scope string, code string, payload []byte) error
	// Forget releases code when the scan it armed failed, so a retry is not
	// mistaken for a repeat.
	Forget(ctx context.Context, scope string, code string) error
}

// NoopScanGuard never reports a duplicate.
type NoopScanGuard struct{}

func (NoopScanGuard) Check(_ context.Context, _ string, _ string) (bool, []byte, error) {
	return false, nil, nil
}

func (NoopScanGuard) Remember(_ context.Context, _ string, _ string, _ []byte) error {
	return nil
}

func (NoopScanGuard) Forget(_ context.Context, _ string, _ string) error {
	return nil
}

type lastScan struct {
	code    string
	expires time.Time
	payload []byte
}

// MemoryScanGuard keeps the last scan per scope in process memory.
type MemoryScanGuard struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   map[string]lastScan
}

func NewMemoryScanGuard(window time.Duration) *MemoryScanGuard {
	return NewMemoryScanGuardWithClock(window, time.Now)
}

func NewMemoryScanGuardWithClock(window time.Duration, now func() time.Time) *MemoryScanGuard {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return &MemoryScanGuard{
		window: window,
		now:    now,
		last:   make(map[string]lastScan),
	}
}

func (g *MemoryScanGuard) Check(_ context.Context, scope string, code string) (bool, []byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if prev, ok := g.last[scope]; ok && prev.code == code && now.Before(prev.expires) {
		return true, prev.payload, nil
	}
	g.last[scope] = lastScan{code: code, expires: now.Add(g.window)}

	// drop expired scopes so idle operators do not pile up
	if len(g.last) > 1024 {
		for key, entry := range g.last {
			if !now.Before(entry.expires) {
				delete(g.last, key)
			}
		}
	}
	return false, nil, nil
}

func (g *MemoryScanGuard) Remember(_ context.Context, scope string, code string, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.last[scope]
	if !ok || prev.code != code || !g.now().Before(prev.expires) {
		return nil
	}
	prev.payload = append([]byte(nil), payload...)
	g.last[scope] = prev
	return nil
}

func (g *MemoryScanGuard) Forget(_ context.Context, scope string, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.last[scope]; ok && prev.code == code {
		delete(g.last, scope)
	}
	return nil
}
