package provision

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/andrej220/goldenimage/pkg/executor"
)

// HostLocks admits one run per build host at a time. Two runs on the same
// host would race on its staging directory.
type HostLocks struct {
	mu   sync.Mutex
	held map[string]uuid.UUID
}

func NewHostLocks() *HostLocks {
	return &HostLocks{held: make(map[string]uuid.UUID)}
}

func hostKey(address string) string {
	return strings.ToLower(executor.HostPort(strings.TrimSpace(address)))
}

// Acquire takes the lock for address on behalf of run. The returned release
// func is idempotent.
func (l *HostLocks) Acquire(address string, run uuid.UUID) (func(), error) {
	key := hostKey(address)
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: %s is running %s", ErrHostBusy, key, holder)
	}
	l.held[key] = run

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == run {
				delete(l.held, key)
			}
		})
	}, nil
}

// Holder returns the run currently holding address.
func (l *HostLocks) Holder(address string) (uuid.UUID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.held[hostKey(address)]
	return id, ok
}
