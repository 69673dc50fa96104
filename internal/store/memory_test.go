package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

func TestMemoryPutGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	p := model.Product{ID: "p1", Code: "C1", Name: "Widget", Price: 10.5}
	if err := s.PutItem(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.GetItem(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("not found: %v", err)
	}
	if got != p {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestMemoryUpdateRequiresExisting(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	err := s.UpdateItem(ctx, model.Product{ID: "missing", Code: "X"})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("update must not create a row")
	}
}

func TestMemoryIndexFollowsCodeChanges(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_ = s.PutItem(ctx, model.Product{ID: "p1", Code: "OLD"})
	if err := s.UpdateItem(ctx, model.Product{ID: "p1", Code: "NEW"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	old, _ := s.Query(ctx, CodeIndex, "OLD", 1)
	if len(old) != 0 {
		t.Fatalf("stale index entry: %+v", old)
	}
	cur, _ := s.Query(ctx, CodeIndex, "NEW", 1)
	if len(cur) != 1 || cur[0].ID != "p1" {
		t.Fatalf("expected p1 under NEW, got %+v", cur)
	}
}

func TestMemoryQueryUnknownIndex(t *testing.T) {
	s := NewMemory()
	if _, err := s.Query(context.Background(), "nameIdx", "x", 1); !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("expected ErrUnknownIndex, got %v", err)
	}
}

func TestMemoryDeleteReturnsLastState(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	p := model.Product{ID: "p2", Code: "C2", Price: 1}
	_ = s.PutItem(ctx, p)
	got, ok, _ := s.DeleteItem(ctx, "p2")
	if !ok || got != p {
		t.Fatalf("unexpected delete result: %+v %v", got, ok)
	}
	if _, ok, _ := s.DeleteItem(ctx, "p2"); ok {
		t.Fatalf("second delete should report absent")
	}
	if res, _ := s.Query(ctx, CodeIndex, "C2", 1); len(res) != 0 {
		t.Fatalf("index not cleaned: %+v", res)
	}
}

func TestMemoryScanPages(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_ = s.PutItem(ctx, model.Product{ID: fmt.Sprintf("id-%02d", i), Code: fmt.Sprintf("c%d", i)})
	}
	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		pg, err := s.Scan(ctx, cursor, 3)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		pages++
		for _, p := range pg.Items {
			if seen[p.ID] {
				t.Fatalf("duplicate %s", p.ID)
			}
			seen[p.ID] = true
		}
		if pg.Next == "" {
			break
		}
		cursor = pg.Next
	}
	if len(seen) != 7 || pages != 3 {
		t.Fatalf("expected 7 items over 3 pages, got %d over %d", len(seen), pages)
	}
}

func TestMemoryClaimCode(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	if _, err := s.ClaimCode(ctx, "SKU", "a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.ClaimCode(ctx, "SKU", "a"); err != nil {
		t.Fatalf("reclaim by owner: %v", err)
	}
	owner, err := s.ClaimCode(ctx, "SKU", "b")
	if !errors.Is(err, ErrConditionFailed) || owner != "a" {
		t.Fatalf("expected conflict owned by a, got %q %v", owner, err)
	}
	_ = s.ReleaseCode(ctx, "SKU", "b")
	if _, err := s.ClaimCode(ctx, "SKU", "b"); err == nil {
		t.Fatalf("release by non-owner must not free the code")
	}
	_ = s.ReleaseCode(ctx, "SKU", "a")
	if _, err := s.ClaimCode(ctx, "SKU", "b"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestMemoryConcurrentClaims(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.ClaimCode(ctx, "HOT", fmt.Sprintf("id-%d", i)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
