package connector

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/teranos/leakhunter/finding"
)

// Static serves fixed items from memory. Used by tests.
type Static struct {
	name string

	mu         sync.Mutex
	containers []finding.Container
	items      map[string][]finding.RawItem
	err        error
	calls      int
	fetchHook  func(ctx context.Context)
}

// NewStatic returns an empty static connector
func NewStatic(name string) *Static {
	return &Static{name: name, items: make(map[string][]finding.RawItem)}
}

func (s *Static) Name() string { return s.name }

// Add appends items to container c
func (s *Static) Add(c finding.Container, items ...finding.RawItem) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.ID]; !ok {
		s.containers = append(s.containers, c)
	}
	s.items[c.ID] = append(s.items[c.ID], items...)
	return s
}

// FailWith makes every later Containers call return err (nil clears it)
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// OnFetch runs hook at the start of every Fetch, e.g. to block a run in tests
func (s *Static) OnFetch(hook func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchHook = hook
}

// Calls returns how many times Containers has been called
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Static) Containers(context.Context) ([]finding.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]finding.Container, len(s.containers))
	copy(out, s.containers)
	return out, nil
}

func (s *Static) Fetch(ctx context.Context, c finding.Container, since time.Time) iter.Seq2[finding.RawItem, error] {
	s.mu.Lock()
	items := append([]finding.RawItem(nil), s.items[c.ID]...)
	hook := s.fetchHook
	s.mu.Unlock()

	return func(yield func(finding.RawItem, error) bool) {
		if hook != nil {
			hook(ctx)
		}
		for _, it := range items {
			if err := ctx.Err(); err != nil {
				yield(finding.RawItem{}, err)
				return
			}
			if !since.IsZero() && !it.ObservedAt.IsZero() && it.ObservedAt.Before(since) {
				continue
			}
			if !yield(it, nil) {
				return
			}
		}
	}
}
