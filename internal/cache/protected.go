package cache

import (
	"context"
	"sort"
	"sync"
)

// ProtectedStore persists the protected tab ids. kv.Store satisfies it.
type ProtectedStore interface {
	LoadSavedTabs(ctx context.Context) ([]int, error)
	SaveSavedTabs(ctx context.Context, ids []int) error
}

// Protected is the set of tabs the user marked as saved. Protected tabs are
// never hibernated, automatically or on request.
type Protected struct {
	mu    sync.RWMutex
	ids   map[int]struct{}
	store ProtectedStore
}

// NewProtected returns an empty set backed by store.
func NewProtected(store ProtectedStore) *Protected {
	return &Protected{ids: make(map[int]struct{}), store: store}
}

// Load replaces the set with the persisted ids.
func (p *Protected) Load(ctx context.Context) error {
	ids, err := p.store.LoadSavedTabs(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = make(map[int]struct{}, len(ids))
	for _, id := range ids {
		p.ids[id] = struct{}{}
	}
	return nil
}

// Has reports whether id is protected.
func (p *Protected) Has(id int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[id]
	return ok
}

// IDs returns the protected ids in ascending order.
func (p *Protected) IDs() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedLocked()
}

// Add protects id and persists the set. On a storage error the set is unchanged.
func (p *Protected) Add(ctx context.Context, id int) error {
	return p.update(ctx, func(ids map[int]struct{}) { ids[id] = struct{}{} })
}

// Remove unprotects id and persists the set. On a storage error the set is unchanged.
func (p *Protected) Remove(ctx context.Context, id int) error {
	return p.update(ctx, func(ids map[int]struct{}) { delete(ids, id) })
}

// RemoveAll unprotects every id in ids with a single write, and reports how
// many were protected. Nothing is written when none of them were.
func (p *Protected) RemoveAll(ctx context.Context, ids []int) (int, error) {
	n := 0
	for _, id := range ids {
		if p.Has(id) {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	err := p.update(ctx, func(set map[int]struct{}) {
		for _, id := range ids {
			delete(set, id)
		}
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Reassign moves protection from oldID to newID if oldID was protected.
func (p *Protected) Reassign(ctx context.Context, oldID, newID int) error {
	if !p.Has(oldID) {
		return nil
	}
	return p.update(ctx, func(ids map[int]struct{}) {
		delete(ids, oldID)
		ids[newID] = struct{}{}
	})
}

func (p *Protected) update(ctx context.Context, fn func(map[int]struct{})) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := make(map[int]struct{}, len(p.ids))
	for id := range p.ids {
		prev[id] = struct{}{}
	}
	fn(p.ids)

	if err := p.store.SaveSavedTabs(ctx, p.sortedLocked()); err != nil {
		p.ids = prev
		return err
	}
	return nil
}

func (p *Protected) sortedLocked() []int {
	out := make([]int, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
