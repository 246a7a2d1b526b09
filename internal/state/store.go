package state

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the current snapshot. Readers never block and always observe a
// complete snapshot; writers are serialized and install copies.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

// NewStore returns a Store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&Snapshot{})
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() *Snapshot {
	return s.cur.Load()
}

// Replace validates snap and installs it as the current snapshot, returning
// the previous one. An invalid snapshot is rejected and nothing changes.
func (s *Store) Replace(snap *Snapshot) (*Snapshot, error) {
	if err := Validate(snap); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Swap(snap), nil
}

// Patch selects top-level fields to replace. Nil fields are left untouched.
type Patch struct {
	Person        *Person
	Session       *Session
	Surveys       *[]Survey
	ActionClasses *[]ActionClass
	Product       *Product
	ExpiresAt     *time.Time
}

// Update replaces only the fields set in p. When surveys or action classes
// change the result is checked for dangling trigger references and rejected
// if any remain.
func (s *Store) Update(p Patch) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	if p.Person != nil {
		next.Person = clonePerson(*p.Person)
	}
	if p.Session != nil {
		next.Session = *p.Session
	}
	if p.Surveys != nil {
		next.Surveys = *p.Surveys
	}
	if p.ActionClasses != nil {
		next.ActionClasses = *p.ActionClasses
	}
	if p.Product != nil {
		next.Product = *p.Product
	}
	if p.ExpiresAt != nil {
		next.ExpiresAt = *p.ExpiresAt
	}
	if p.Surveys != nil || p.ActionClasses != nil {
		if err := checkTriggers(&next); err != nil {
			return nil, err
		}
	}
	s.cur.Store(&next)
	return &next, nil
}

// SetAttribute sets one person attribute on a fresh copy of the person.
func (s *Store) SetAttribute(key, value string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	next.Person = clonePerson(next.Person)
	if next.Person.Attributes == nil {
		next.Person.Attributes = make(map[string]string)
	}
	next.Person.Attributes[key] = value
	s.cur.Store(&next)
	return &next
}

// Reset drops all state. The store stays usable and can be filled again.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(&Snapshot{})
}

func clonePerson(p Person) Person {
	cp := p
	if p.Attributes != nil {
		cp.Attributes = maps.Clone(p.Attributes)
	}
	return cp
}
