// Package service sequences product mutations with their domain events.
//
// A mutation always completes before its event is published. If the
// publish fails the mutation stays in place and the error is returned to
// the caller.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/repository"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// Repository is the subset of repository.Products the service needs.
type Repository interface {
	GetByID(ctx context.Context, id string) (model.Product, bool, error)
	GetByCode(ctx context.Context, code string) (model.Product, bool, error)
	List(ctx context.Context, cursor string, limit int) (store.Page, error)
	ListAll(ctx context.Context) ([]model.Product, error)
	Create(ctx context.Context, p model.Product) error
	Update(ctx context.Context, p model.Product, id string) (model.Product, error)
	DeleteByID(ctx context.Context, id string) (model.Product, bool, error)
}

// EventSender is the subset of events.Publisher the service needs.
type EventSender interface {
	SendProductEvent(ctx context.Context, p model.Product, eventType model.EventType, actorEmail string) (string, error)
	SendProductFailureEvent(ctx context.Context, f model.Failure) (string, error)
}

// ValidationError reports an input that cannot be stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + " " + e.Reason }

// Input is the client-supplied part of a product.
type Input struct {
	Code  string  `json:"code"`
	Name  string  `json:"name"`
	Model string  `json:"model"`
	URL   string  `json:"url,omitempty"`
	Price float64 `json:"price"`
}

// Validate checks the fields the catalog relies on.
func (in Input) Validate() error {
	switch {
	case strings.TrimSpace(in.Code) == "":
		return &ValidationError{Field: "code", Reason: "is required"}
	case math.IsNaN(in.Price) || math.IsInf(in.Price, 0):
		return &ValidationError{Field: "price", Reason: "must be a finite number"}
	case in.Price < 0:
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	}
	return nil
}

func (in Input) product(id string) model.Product {
	return model.Product{ID: id, Code: in.Code, Name: in.Name, Model: in.Model, URL: in.URL, Price: in.Price}
}

// Result is the outcome of a mutation: the affected product and the id of
// the event that announced it.
type Result struct {
	Product   model.Product
	MessageID string
}

// Products orchestrates the repository and the event publisher.
type Products struct {
	repo         Repository
	pub          EventSender
	defaultActor string
}

// New returns a Products service. defaultActor is used when a call passes
// an empty actor email.
func New(repo Repository, pub EventSender, defaultActor string) *Products {
	return &Products{repo: repo, pub: pub, defaultActor: defaultActor}
}

// Create stores a new product under a fresh id and announces it.
func (s *Products) Create(ctx context.Context, in Input, actor string) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	p := in.product(uuid.NewString())
	if err := s.repo.Create(ctx, p); err != nil {
		return Result{}, err
	}
	obs.With(ctx).Info("product_created", "product_id", p.ID, "code", p.Code)
	return s.announce(ctx, p, model.ProductCreated, actor)
}

// Update replaces the product with id and announces it.
func (s *Products) Update(ctx context.Context, id string, in Input, actor string) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	p, err := s.repo.Update(ctx, in.product(id), id)
	if err != nil {
		return Result{}, err
	}
	obs.With(ctx).Info("product_updated", "product_id", p.ID, "code", p.Code)
	return s.announce(ctx, p, model.ProductUpdated, actor)
}

// Delete removes the product with id and announces its last state. A
// missing product is repository.ErrNotFound.
func (s *Products) Delete(ctx context.Context, id, actor string) (Result, error) {
	p, ok, err := s.repo.DeleteByID(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, repository.ErrNotFound
	}
	obs.With(ctx).Info("product_deleted", "product_id", p.ID, "code", p.Code)
	return s.announce(ctx, p, model.ProductDeleted, actor)
}

// Get returns the product with id or repository.ErrNotFound.
func (s *Products) Get(ctx context.Context, id string) (model.Product, error) {
	p, ok, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return model.Product{}, err
	}
	if !ok {
		return model.Product{}, repository.ErrNotFound
	}
	return p, nil
}

// GetByCode returns the product owning code or repository.ErrNotFound.
func (s *Products) GetByCode(ctx context.Context, code string) (model.Product, error) {
	p, ok, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return model.Product{}, err
	}
	if !ok {
		return model.Product{}, repository.ErrNotFound
	}
	return p, nil
}

func (s *Products) List(ctx context.Context, cursor string, limit int) (store.Page, error) {
	return s.repo.List(ctx, cursor, limit)
}

func (s *Products) ListAll(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListAll(ctx)
}

// ReportFailure publishes PRODUCT_FAILED for f. A failure to publish is
// logged and returned; callers on an error path usually ignore it.
func (s *Products) ReportFailure(ctx context.Context, f model.Failure) (string, error) {
	if f.Email == "" {
		f.Email = s.defaultActor
	}
	id, err := s.pub.SendProductFailureEvent(ctx, f)
	if err != nil {
		obs.With(ctx).Error("failure_event_failed", "status", f.Status, "product_id", f.ProductID, "error", err)
		return "", err
	}
	return id, nil
}

func (s *Products) announce(ctx context.Context, p model.Product, eventType model.EventType, actor string) (Result, error) {
	if actor == "" {
		actor = s.defaultActor
	}
	id, err := s.pub.SendProductEvent(ctx, p, eventType, actor)
	if err != nil {
		obs.With(ctx).Error("event_publish_failed", "event_type", eventType, "product_id", p.ID, "error", err)
		return Result{Product: p}, fmt.Errorf("%s for %s: %w", eventType, p.ID, err)
	}
	return Result{Product: p, MessageID: id}, nil
}

// IsDomainError reports whether err is one of the catalog's business
// failures, as opposed to an infrastructure error.
func IsDomainError(err error) bool {
	return errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrCodeExists) ||
		errors.Is(err, repository.ErrConflict)
}
