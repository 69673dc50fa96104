// Package store defines the storage contract for products and provides an
// in-memory implementation.
//
// The contract mirrors a key-value table keyed by product id with one
// non-unique secondary index on code. The only native conditional write is
// "update only if the row exists".
package store

import (
	"context"
	"errors"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// CodeIndex is the name of the secondary index on product code.
const CodeIndex = "codeIdx"

var (
	// ErrConditionFailed is returned when a conditional write's precondition
	// does not hold.
	ErrConditionFailed = errors.New("store: conditional check failed")
	// ErrUnknownIndex is returned by Query for an index the table does not have.
	ErrUnknownIndex = errors.New("store: unknown index")
)

// Page is one slice of a table scan. Next is empty on the last page.
type Page struct {
	Items []model.Product
	Next  string
}

// Table is the product table.
type Table interface {
	GetItem(ctx context.Context, id string) (model.Product, bool, error)
	// PutItem writes p unconditionally, replacing any row with the same id.
	PutItem(ctx context.Context, p model.Product) error
	// UpdateItem replaces the row with p.ID only if it exists, otherwise it
	// returns ErrConditionFailed and writes nothing.
	UpdateItem(ctx context.Context, p model.Product) error
	// DeleteItem removes the row and returns its last state.
	DeleteItem(ctx context.Context, id string) (model.Product, bool, error)
	// Scan returns up to limit rows after cursor in table order.
	Scan(ctx context.Context, cursor string, limit int) (Page, error)
	// Query returns up to limit rows whose index attribute equals value.
	Query(ctx context.Context, index, value string, limit int) ([]model.Product, error)
}

// CodeRegistry is a code-keyed table used to make code ownership an atomic
// conditional write.
type CodeRegistry interface {
	// ClaimCode records id as the owner of code. Claiming a code already owned
	// by id succeeds. If another id owns it, the owner is returned together
	// with ErrConditionFailed.
	ClaimCode(ctx context.Context, code, id string) (owner string, err error)
	// ReleaseCode removes the claim on code if it is owned by id and the row
	// id does not carry code at that moment.
	ReleaseCode(ctx context.Context, code, id string) error
	// SwapItem replaces the row p.ID only if it still carries oldCode and
	// p.ID holds the claim on p.Code. Otherwise it returns
	// ErrConditionFailed and writes nothing.
	SwapItem(ctx context.Context, p model.Product, oldCode string) error
}
