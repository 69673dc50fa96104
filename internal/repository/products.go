// Package repository enforces code uniqueness over a store that only
// guarantees primary-key uniqueness.
//
// Two strategies are available. StrategyIndex checks the code index before
// writing; two concurrent writers with the same code can both pass the check
// and both write. StrategyClaim makes the check a conditional write on a
// code-keyed registry, which the store executes atomically.
package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// Strategy selects how code uniqueness is enforced.
type Strategy string

const (
	StrategyIndex Strategy = "index"
	StrategyClaim Strategy = "claim"
)

// DefaultPageSize is used by All and ListAll when no page size is configured.
const DefaultPageSize = 100

// maxSwapAttempts bounds the retries of a claimed update that keeps losing
// to concurrent updates of the same product.
const maxSwapAttempts = 5

// Products is the product repository.
type Products struct {
	table    store.Table
	codes    store.CodeRegistry
	strategy Strategy
	pageSize int
}

// Option configures Products.
type Option func(*Products)

// WithClaims switches the repository to StrategyClaim using reg.
func WithClaims(reg store.CodeRegistry) Option {
	return func(r *Products) {
		r.codes = reg
		r.strategy = StrategyClaim
	}
}

// WithPageSize sets the page size used when scanning the whole table.
func WithPageSize(n int) Option {
	return func(r *Products) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// New returns a repository over table using StrategyIndex unless overridden.
func New(table store.Table, opts ...Option) *Products {
	r := &Products{table: table, strategy: StrategyIndex, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy reports the uniqueness strategy in use.
func (r *Products) Strategy() Strategy { return r.strategy }

// GetByID is a direct lookup by primary key.
func (r *Products) GetByID(ctx context.Context, id string) (model.Product, bool, error) {
	p, ok, err := r.table.GetItem(ctx, id)
	if err != nil {
		return model.Product{}, false, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, ok, nil
}

// GetByCode resolves code through the index and re-reads the match by id,
// since the index may lag behind the table.
func (r *Products) GetByCode(ctx context.Context, code string) (model.Product, bool, error) {
	hit, ok, err := r.checkIfCodeExists(ctx, code)
	if err != nil || !ok {
		return model.Product{}, false, err
	}
	return r.GetByID(ctx, hit.ID)
}

// List returns one page of the table scan starting after cursor.
func (r *Products) List(ctx context.Context, cursor string, limit int) (store.Page, error) {
	if limit <= 0 {
		limit = r.pageSize
	}
	page, err := r.table.Scan(ctx, cursor, limit)
	if err != nil {
		return store.Page{}, fmt.Errorf("scan products: %w", err)
	}
	return page, nil
}

// All lazily walks the whole table one page at a time. Iteration stops at
// the first error, which is yielded with a zero Product.
func (r *Products) All(ctx context.Context) iter.Seq2[model.Product, error] {
	return func(yield func(model.Product, error) bool) {
		cursor := ""
		for {
			page, err := r.List(ctx, cursor, r.pageSize)
			if err != nil {
				yield(model.Product{}, err)
				return
			}
			for _, p := range page.Items {
				if !yield(p, nil) {
					return
				}
			}
			if page.Next == "" {
				return
			}
			cursor = page.Next
		}
	}
}

// ListAll materializes a full scan. The cost is unbounded; prefer List.
func (r *Products) ListAll(ctx context.Context) ([]model.Product, error) {
	out := make([]model.Product, 0)
	for p, err := range r.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Create stores p, which must carry its id, if no other product owns p.Code.
func (r *Products) Create(ctx context.Context, p model.Product) error {
	if r.strategy == StrategyClaim {
		return r.createClaimed(ctx, p)
	}
	existing, ok, err := r.checkIfCodeExists(ctx, p.Code)
	if err != nil {
		return err
	}
	if ok {
		obs.With(ctx).Warn("product_code_conflict", "code", p.Code, "existing_id", existing.ID)
		return &CodeExistsError{Code: p.Code, ExistingID: existing.ID}
	}
	if err := r.table.PutItem(ctx, p); err != nil {
		return fmt.Errorf("put product %s: %w", p.ID, err)
	}
	return nil
}

func (r *Products) createClaimed(ctx context.Context, p model.Product) error {
	if err := r.claim(ctx, p.Code, p.ID); err != nil {
		return err
	}
	if err := r.table.PutItem(ctx, p); err != nil {
		r.release(ctx, p.Code, p.ID)
		return fmt.Errorf("put product %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces the product at id with p. The row must already exist.
// Keeping the product's own code is not a conflict.
func (r *Products) Update(ctx context.Context, p model.Product, id string) (model.Product, error) {
	p.ID = id
	if r.strategy == StrategyClaim {
		return r.updateClaimed(ctx, p)
	}
	existing, ok, err := r.checkIfCodeExists(ctx, p.Code)
	if err != nil {
		return model.Product{}, err
	}
	if ok && existing.ID != id {
		obs.With(ctx).Warn("product_code_conflict", "code", p.Code, "existing_id", existing.ID, "product_id", id)
		return model.Product{}, &CodeExistsError{Code: p.Code, ExistingID: existing.ID}
	}
	if err := r.conditionalUpdate(ctx, p); err != nil {
		return model.Product{}, err
	}
	return p, nil
}

// updateClaimed swaps the row only if it still carries the code read at
// the start of the attempt. A lost race re-reads and tries again, so the
// code released afterwards is always the one the swap replaced.
func (r *Products) updateClaimed(ctx context.Context, p model.Product) (model.Product, error) {
	for attempt := 1; attempt <= maxSwapAttempts; attempt++ {
		current, ok, err := r.table.GetItem(ctx, p.ID)
		if err != nil {
			return model.Product{}, fmt.Errorf("get product %s: %w", p.ID, err)
		}
		if !ok {
			r.release(ctx, p.Code, p.ID)
			return model.Product{}, ErrNotFound
		}
		if err := r.claim(ctx, p.Code, p.ID); err != nil {
			return model.Product{}, err
		}
		err = r.codes.SwapItem(ctx, p, current.Code)
		if errors.Is(err, store.ErrConditionFailed) {
			obs.With(ctx).Debug("product_swap_retry", "product_id", p.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			r.release(ctx, p.Code, p.ID)
			return model.Product{}, fmt.Errorf("update product %s: %w", p.ID, err)
		}
		if current.Code != p.Code {
			r.release(ctx, current.Code, p.ID)
		}
		return p, nil
	}
	r.release(ctx, p.Code, p.ID)
	obs.With(ctx).Warn("product_update_contended", "product_id", p.ID, "code", p.Code)
	return model.Product{}, ErrConflict
}

func (r *Products) conditionalUpdate(ctx context.Context, p model.Product) error {
	err := r.table.UpdateItem(ctx, p)
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("update product %s: %w", p.ID, err)
	}
	return nil
}

// DeleteByID removes the product and returns its last state. A missing
// product is reported as ok=false, not as an error.
func (r *Products) DeleteByID(ctx context.Context, id string) (model.Product, bool, error) {
	p, ok, err := r.table.DeleteItem(ctx, id)
	if err != nil {
		return model.Product{}, false, fmt.Errorf("delete product %s: %w", id, err)
	}
	if ok && r.strategy == StrategyClaim {
		r.release(ctx, p.Code, p.ID)
	}
	return p, ok, nil
}

func (r *Products) checkIfCodeExists(ctx context.Context, code string) (model.Product, bool, error) {
	items, err := r.table.Query(ctx, store.CodeIndex, code, 1)
	if err != nil {
		return model.Product{}, false, fmt.Errorf("query code %s: %w", code, err)
	}
	if len(items) == 0 {
		return model.Product{}, false, nil
	}
	return items[0], true, nil
}

func (r *Products) claim(ctx context.Context, code, id string) error {
	owner, err := r.codes.ClaimCode(ctx, code, id)
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		obs.With(ctx).Warn("product_code_conflict", "code", code, "existing_id", owner, "product_id", id)
		return &CodeExistsError{Code: code, ExistingID: owner}
	case err != nil:
		return fmt.Errorf("claim code %s: %w", code, err)
	}
	return nil
}

// release is best effort: a leaked claim blocks the code but never lets a
// duplicate through.
func (r *Products) release(ctx context.Context, code, id string) {
	if err := r.codes.ReleaseCode(ctx, code, id); err != nil {
		obs.With(ctx).Error("code_release_failed", "code", code, "product_id", id, "error", err)
	}
}
