package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

const productColumns = "id, code, name, model, url, price"

// Table is a store.Table and store.CodeRegistry over the products and
// product_codes tables.
type Table struct {
	db *DB
}

var (
	_ store.Table        = (*Table)(nil)
	_ store.CodeRegistry = (*Table)(nil)
)

func NewTable(db *DB) *Table { return &Table{db: db} }

func (t *Table) GetItem(ctx context.Context, id string) (model.Product, bool, error) {
	row := t.db.Pool.QueryRow(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Product{}, false, nil
	}
	if err != nil {
		return model.Product{}, false, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, true, nil
}

func (t *Table) PutItem(ctx context.Context, p model.Product) error {
	if p.ID == "" {
		return fmt.Errorf("put item: empty id")
	}
	_, err := t.db.Pool.Exec(ctx, `
		INSERT INTO products (`+productColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, name = EXCLUDED.name, model = EXCLUDED.model,
			url = EXCLUDED.url, price = EXCLUDED.price`,
		p.ID, p.Code, p.Name, p.Model, p.URL, p.Price)
	if err != nil {
		return fmt.Errorf("put product %s: %w", p.ID, err)
	}
	return nil
}

func (t *Table) UpdateItem(ctx context.Context, p model.Product) error {
	tag, err := t.db.Pool.Exec(ctx, `
		UPDATE products SET code = $2, name = $3, model = $4, url = $5, price = $6
		WHERE id = $1`,
		p.ID, p.Code, p.Name, p.Model, p.URL, p.Price)
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

func (t *Table) DeleteItem(ctx context.Context, id string) (model.Product, bool, error) {
	row := t.db.Pool.QueryRow(ctx, "DELETE FROM products WHERE id = $1 RETURNING "+productColumns, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Product{}, false, nil
	}
	if err != nil {
		return model.Product{}, false, fmt.Errorf("delete product %s: %w", id, err)
	}
	return p, true, nil
}

// Scan pages through products in id order. The cursor is the last id of the
// previous page.
func (t *Table) Scan(ctx context.Context, cursor string, limit int) (store.Page, error) {
	fetch := limit
	if limit > 0 {
		fetch = limit + 1
	}
	rows, err := t.db.Pool.Query(ctx,
		"SELECT "+productColumns+" FROM products WHERE id > $1 ORDER BY id LIMIT $2",
		cursor, limitArg(fetch))
	if err != nil {
		return store.Page{}, fmt.Errorf("scan products: %w", err)
	}
	items, err := pgx.CollectRows(rows, rowToProduct)
	if err != nil {
		return store.Page{}, fmt.Errorf("scan products: %w", err)
	}
	page := store.Page{Items: items}
	if limit > 0 && len(items) > limit {
		page.Items = items[:limit]
		page.Next = page.Items[limit-1].ID
	}
	return page, nil
}

func (t *Table) Query(ctx context.Context, index, value string, limit int) ([]model.Product, error) {
	if index != store.CodeIndex {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownIndex, index)
	}
	rows, err := t.db.Pool.Query(ctx,
		"SELECT "+productColumns+" FROM products WHERE code = $1 ORDER BY id LIMIT $2",
		value, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", index, err)
	}
	items, err := pgx.CollectRows(rows, rowToProduct)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", index, err)
	}
	return items, nil
}

func (t *Table) ClaimCode(ctx context.Context, code, id string) (string, error) {
	_, err := t.db.Pool.Exec(ctx, "INSERT INTO product_codes (code, product_id) VALUES ($1, $2)", code, id)
	if err == nil {
		return id, nil
	}
	if !isUniqueViolation(err) {
		return "", fmt.Errorf("claim code %s: %w", code, err)
	}
	var owner string
	err = t.db.Pool.QueryRow(ctx, "SELECT product_id FROM product_codes WHERE code = $1", code).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		// released between the insert and the read; reported as a conflict
		return "", fmt.Errorf("claim code %s: %w", code, store.ErrConditionFailed)
	}
	if err != nil {
		return "", fmt.Errorf("claim code %s: %w", code, err)
	}
	if owner == id {
		return id, nil
	}
	return owner, store.ErrConditionFailed
}

// ReleaseCode and SwapItem both lock the product row first, so a release
// never interleaves with a swap of the same product.
func (t *Table) ReleaseCode(ctx context.Context, code, id string) error {
	return pgx.BeginFunc(ctx, t.db.Pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, "SELECT code FROM products WHERE id = $1 FOR UPDATE", id).Scan(&current)
		switch {
		case err == nil && current == code:
			return nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("release code %s: %w", code, err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM product_codes WHERE code = $1 AND product_id = $2", code, id); err != nil {
			return fmt.Errorf("release code %s: %w", code, err)
		}
		return nil
	})
}

func (t *Table) SwapItem(ctx context.Context, p model.Product, oldCode string) error {
	return pgx.BeginFunc(ctx, t.db.Pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, "SELECT code FROM products WHERE id = $1 FOR UPDATE", p.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrConditionFailed
		}
		if err != nil {
			return fmt.Errorf("swap product %s: %w", p.ID, err)
		}
		if current != oldCode {
			return store.ErrConditionFailed
		}
		var owner string
		err = tx.QueryRow(ctx, "SELECT product_id FROM product_codes WHERE code = $1 FOR SHARE", p.Code).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != p.ID) {
			return store.ErrConditionFailed
		}
		if err != nil {
			return fmt.Errorf("swap product %s: %w", p.ID, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE products SET code = $2, name = $3, model = $4, url = $5, price = $6
			WHERE id = $1`,
			p.ID, p.Code, p.Name, p.Model, p.URL, p.Price)
		if err != nil {
			return fmt.Errorf("swap product %s: %w", p.ID, err)
		}
		return nil
	})
}

func scanProduct(row pgx.Row) (model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Model, &p.URL, &p.Price)
	return p, err
}

func rowToProduct(row pgx.CollectableRow) (model.Product, error) {
	return scanProduct(row)
}

// limitArg maps a non-positive limit to NULL, which postgres reads as no limit.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

// isUniqueViolation reports a postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
