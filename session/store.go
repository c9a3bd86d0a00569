// Package session holds one prediction ledger per client session.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"signalcast/ledger"
)

const DefaultCapacity = 1024

// Store maps session IDs to ledgers. The least recently used session is
// dropped once Capacity sessions exist.
type Store struct {
	mu       sync.Mutex
	ledgers  *lru.Cache[string, *ledger.Ledger]
	logger   *zap.Logger
	onChange func(active int)
	dropping bool // set while Drop removes an entry, guarded by mu
}

// NewStore creates a store. onChange, if set, is called with the session count
// after every add or removal.
func NewStore(capacity int, logger *zap.Logger, onChange func(active int)) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger, onChange: onChange}
	ledgers, err := lru.NewWithEvict[string, *ledger.Ledger](capacity, func(id string, l *ledger.Ledger) {
		if s.dropping {
			return
		}
		s.logger.Info("session evicted", zap.String("session", id), zap.Int("predictions", l.Len()))
	})
	if err != nil {
		panic(err)
	}
	s.ledgers = ledgers
	return s
}

// NewID returns a fresh random session ID.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like an ID issued by NewID.
func ValidID(id string) bool {
	_, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil
}

// Ledger returns the ledger for id, creating it on first use.
func (s *Store) Ledger(id string) *ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers.Get(id); ok {
		return l
	}
	l := ledger.New()
	s.ledgers.Add(id, l)
	s.notify()
	return l
}

// Lookup returns the ledger for id without creating one.
func (s *Store) Lookup(id string) (*ledger.Ledger, bool) {
	return s.ledgers.Get(id)
}

func (s *Store) Drop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers.Peek(id)
	if !ok {
		return false
	}
	s.dropping = true
	s.ledgers.Remove(id)
	s.dropping = false
	s.logger.Info("session dropped", zap.String("session", id), zap.Int("predictions", l.Len()))
	s.notify()
	return true
}

func (s *Store) Len() int {
	return s.ledgers.Len()
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange(s.ledgers.Len())
	}
}
