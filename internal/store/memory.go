package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Memory is an in-process Table and CodeRegistry. Its code index is updated
// in the same critical section as the rows, so reads through the index are
// never stale.
type Memory struct {
	mu    sync.RWMutex
	m     map[string]model.Product
	codes map[string]map[string]struct{} // code -> ids
	claim map[string]string              // code -> owner id
}

var (
	_ Table        = (*Memory)(nil)
	_ CodeRegistry = (*Memory)(nil)
)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		m:     make(map[string]model.Product),
		codes: make(map[string]map[string]struct{}),
		claim: make(map[string]string),
	}
}

func (s *Memory) GetItem(_ context.Context, id string) (model.Product, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[id]
	return p, ok, nil
}

func (s *Memory) PutItem(_ context.Context, p model.Product) error {
	if p.ID == "" {
		return fmt.Errorf("put item: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(p)
	return nil
}

func (s *Memory) UpdateItem(_ context.Context, p model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[p.ID]; !ok {
		return ErrConditionFailed
	}
	s.write(p)
	return nil
}

func (s *Memory) DeleteItem(_ context.Context, id string) (model.Product, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return model.Product{}, false, nil
	}
	s.unindex(p)
	delete(s.m, id)
	return p, true, nil
}

// Scan walks rows in id order so that cursors stay valid across calls.
func (s *Memory) Scan(_ context.Context, cursor string, limit int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.m))
	for id := range s.m {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	page := Page{Items: make([]model.Product, 0, limit)}
	for _, id := range ids[:limit] {
		page.Items = append(page.Items, s.m[id])
	}
	if limit < len(ids) {
		page.Next = ids[limit-1]
	}
	return page, nil
}

func (s *Memory) Query(_ context.Context, index, value string, limit int) ([]model.Product, error) {
	if index != CodeIndex {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.codes[value]))
	for id := range s.codes[value] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]model.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.m[id])
	}
	return out, nil
}

func (s *Memory) ClaimCode(_ context.Context, code, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.claim[code]; ok && owner != id {
		return owner, ErrConditionFailed
	}
	s.claim[code] = id
	return id, nil
}

func (s *Memory) ReleaseCode(_ context.Context, code, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claim[code] != id {
		return nil
	}
	if p, ok := s.m[id]; ok && p.Code == code {
		return nil
	}
	delete(s.claim, code)
	return nil
}

func (s *Memory) SwapItem(_ context.Context, p model.Product, oldCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[p.ID]
	if !ok || cur.Code != oldCode || s.claim[p.Code] != p.ID {
		return ErrConditionFailed
	}
	s.write(p)
	return nil
}

// Len returns the number of rows.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// write must be called with mu held.
func (s *Memory) write(p model.Product) {
	if old, ok := s.m[p.ID]; ok {
		s.unindex(old)
	}
	s.m[p.ID] = p
	ids, ok := s.codes[p.Code]
	if !ok {
		ids = make(map[string]struct{})
		s.codes[p.Code] = ids
	}
	ids[p.ID] = struct{}{}
}

func (s *Memory) unindex(p model.Product) {
	ids := s.codes[p.Code]
	delete(ids, p.ID)
	if len(ids) == 0 {
		delete(s.codes, p.Code)
	}
}
