// Package ledger keeps the named predictions made during one session.
//
// Entries are keyed by title and listed in the order titles were first used.
// Recording an existing title replaces its entry in place.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

var (
	// ErrValidation is returned for input the user can correct, such as an empty title.
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("prediction not found")
)

// Entry is one recorded prediction.
type Entry struct {
	Title      string    `json:"title"`
	Distance   float64   `json:"distance_cm"`
	Height     float64   `json:"height_cm"`
	Power      float64   `json:"power_mw"`
	Signal     float64   `json:"signal_dbm"`
	Strategy   string    `json:"strategy,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ledger is an insertion-ordered map of entries. It is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry
}

func New() *Ledger {
	return &Ledger{entries: make(map[string]Entry)}
}

// NormalizeTitle trims the title and rejects blank ones.
func NormalizeTitle(title string) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return "", fmt.Errorf("%w: please enter a title for the prediction", ErrValidation)
	}
	return t, nil
}

// Record stores e under its title, rounding the signal to 3 decimals.
// The stored entry is returned.
func (l *Ledger) Record(e Entry) (Entry, error) {
	title, err := NormalizeTitle(e.Title)
	if err != nil {
		return Entry{}, err
	}
	e.Title = title
	e.Signal = Round3(e.Signal)
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[title]; !ok {
		l.order = append(l.order, title)
	}
	l.entries[title] = e
	return e, nil
}

func (l *Ledger) Get(title string) (Entry, error) {
	key := strings.TrimSpace(title)
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return e, nil
}

// List returns the titles in insertion order.
func (l *Ledger) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Entries returns the entries in insertion order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.order))
	for _, title := range l.order {
		out = append(out, l.entries[title])
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Round3 rounds v to 3 decimal places, half away from zero.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
