package request

import (
	"sync"

	"github.com/plaenen/twinbus/pkg/model"
)

// refLocks serializes read-modify-write sequences per element reference.
// Entries live only while someone holds or waits for them.
type refLocks struct {
	mu   sync.Mutex
	refs map[string]*refLock
}

type refLock struct {
	sync.Mutex
	users int
}

// lock blocks until ref is free and returns the matching unlock.
func (l *refLocks) lock(ref model.Reference) (unlock func()) {
	key := ref.String()

	l.mu.Lock()
	if l.refs == nil {
		l.refs = make(map[string]*refLock)
	}
	rl, ok := l.refs[key]
	if !ok {
		rl = &refLock{}
		l.refs[key] = rl
	}
	rl.users++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.users--
		if rl.users == 0 {
			delete(l.refs, key)
		}
		l.mu.Unlock()
	}
}

func (l *refLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}
