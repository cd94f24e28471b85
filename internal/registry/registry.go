// Package registry tracks the application's open connections so that
// collaborators can address connections and their windows by name.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/chronologos/craftlink/internal/checksum"
)

const localPrefix = "local-"

var ErrDuplicate = errors.New("connection id already registered")

// Conn is what the registry needs from a connection.
type Conn interface {
	ID() string
	Done() <-chan struct{}
}

// UID is the numeric alias of a connection id.
func UID(id string) uint32 {
	return checksum.String(id)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Conn
	byUID map[uint32]Conn
}

func New() *Registry {
	return &Registry{
		byID:  make(map[string]Conn),
		byUID: make(map[uint32]Conn),
	}
}

// Register adds c. Once c is done it is removed again.
func (r *Registry) Register(c Conn) error {
	id := c.ID()
	r.mu.Lock()
	if _, ok := r.byID[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.byID[id] = c
	r.byUID[UID(id)] = c
	r.mu.Unlock()

	go func() {
		<-c.Done()
		r.Unregister(c)
	}()
	return nil
}

// Unregister removes c if it is still the connection registered under its id.
func (r *Registry) Unregister(c Conn) {
	id := c.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[id] != c {
		return
	}
	delete(r.byID, id)
	if r.byUID[UID(id)] == c {
		delete(r.byUID, UID(id))
	}
}

func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) ByUID(uid uint32) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUID[uid]
	return c, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byID))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// FindConnection resolves either a connection id or a global window id
// "<window>@<connection>" to its connection.
func (r *Registry) FindConnection(globalID string) (Conn, bool) {
	if _, conn, ok := strings.Cut(globalID, "@"); ok {
		globalID = conn
	}
	return r.Get(globalID)
}

// FindWindow resolves a global window id to its connection and window
// number. It does not check that the window exists.
func (r *Registry) FindWindow(globalID string) (Conn, uint8, bool) {
	win, connID, ok := strings.Cut(globalID, "@")
	if !ok {
		return nil, 0, false
	}
	n, err := strconv.ParseUint(win, 10, 8)
	if err != nil {
		return nil, 0, false
	}
	c, ok := r.Get(connID)
	if !ok {
		return nil, 0, false
	}
	return c, uint8(n), true
}

// GlobalWindowID names window id of connection connID.
func GlobalWindowID(id uint8, connID string) string {
	return strconv.Itoa(int(id)) + "@" + connID
}

// NextLocal returns the id for a new local emulator and the computer ID to
// launch it with. The first local emulator gets "local-0" and no --id
// flag (hasID false); later ones count up from the highest in use.
func (r *Registry) NextLocal() (id string, n int, hasID bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for existing := range r.byID {
		rest, ok := strings.CutPrefix(existing, localPrefix)
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(rest); err == nil && v+1 > n {
			n = v + 1
		}
	}
	return localPrefix + strconv.Itoa(n), n, n > 0
}
