// Package session keeps the in-memory wizard state of each browsing session.
package session

import (
	"sync"
	"time"

	"adgen/server/internal/model"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const DefaultTTL = 2 * time.Hour

// Store holds sessions with a sliding expiry: every read or write pushes
// the deadline out by the TTL.
type Store struct {
	mu    sync.Mutex
	items *cache.Cache
	now   func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		items: cache.New(ttl, ttl/2),
		now:   time.Now,
	}
}

// OnExpire registers fn for sessions leaving the store by expiry or Delete.
// fn runs on its own goroutine.
func (s *Store) OnExpire(fn func(id string)) {
	s.items.OnEvicted(func(id string, _ any) { go fn(id) })
}

func (s *Store) Create() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := newState(uuid.NewString(), s.now().UTC())
	s.items.SetDefault(st.s.ID, st)
	return st.Snapshot()
}

func (s *Store) Get(id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(id)
	if err != nil {
		return model.Session{}, err
	}
	s.items.SetDefault(id, st)
	return st.Snapshot(), nil
}

// Update applies fn to a working copy of the session and commits it only
// when fn succeeds. The returned snapshot reflects the committed state.
func (s *Store) Update(id string, fn func(*State) error) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(id)
	if err != nil {
		return model.Session{}, err
	}
	work := &State{s: cur.s.Clone(), now: s.now().UTC()}
	if err := fn(work); err != nil {
		s.items.SetDefault(id, cur)
		return cur.Snapshot(), err
	}
	s.items.SetDefault(id, work)
	return work.Snapshot(), nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Delete(id)
}

func (s *Store) Len() int {
	return s.items.ItemCount()
}

func (s *Store) load(id string) (*State, error) {
	v, ok := s.items.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	st, ok := v.(*State)
	if !ok {
		return nil, ErrNotFound
	}
	return st, nil
}
