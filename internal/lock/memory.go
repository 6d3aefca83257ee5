package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfab-lab/autonomy/internal/errcode"
)

type memEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker implements Locker in-process for single-node development.
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[string]memEntry
	fences map[string]int64
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:   make(map[string]memEntry),
		fences: make(map[string]int64),
		now:    time.Now,
	}
}

// SetNowFunc overrides the time source; tests use it to expire leases.
func (l *MemoryLocker) SetNowFunc(now func() time.Time) { l.now = now }

func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[name]; ok && e.expiresAt.After(now) {
		return nil, errcode.New(errcode.LockUnavailable, "lock %s is held", name)
	}

	token := uuid.NewString()
	l.held[name] = memEntry{token: token, expiresAt: now.Add(ttl)}
	l.fences[name]++
	return &Lease{Name: name, Token: token, Fence: l.fences[name], AcquiredAt: now}, nil
}

func (l *MemoryLocker) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.held[lease.Name]
	if !ok || !e.expiresAt.After(now) || e.token != lease.Token {
		return errcode.New(errcode.LockStale, "lock %s lost", lease.Name)
	}
	e.expiresAt = now.Add(ttl)
	l.held[lease.Name] = e
	return nil
}

func (l *MemoryLocker) Release(ctx context.Context, lease *Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[lease.Name]
	if !ok || !e.expiresAt.After(l.now()) || e.token != lease.Token {
		return errcode.New(errcode.LockStale, "lock %s not held by this lease", lease.Name)
	}
	delete(l.held, lease.Name)
	return nil
}

func (l *MemoryLocker) Owner(ctx context.Context, name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[name]
	if !ok || !e.expiresAt.After(l.now()) {
		return "", nil
	}
	return e.token, nil
}
