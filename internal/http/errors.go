// Package httpapi exposes the HTTP API layer of the service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/product-catalog-service/internal/correlation"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/outbox"
	"github.com/fairyhunter13/product-catalog-service/internal/repository"
	"github.com/fairyhunter13/product-catalog-service/internal/service"
)

const (
	msgProductNotFound   = "Product not found"
	msgProductCodeExists = "Product code already exists"
	msgProductConflict   = "Product was modified concurrently"
)

// errorBody is the JSON error payload.
type errorBody struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	RequestID  string `json:"requestId"`
	ProductID  string `json:"productId,omitempty"`
}

// WriteJSONError writes an error payload carrying the request id from ctx.
func WriteJSONError(ctx context.Context, w http.ResponseWriter, status int, message, productID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Message:    message,
		StatusCode: status,
		RequestID:  correlation.RequestID(ctx),
		ProductID:  productID,
	})
}

// fail maps err to a response. Domain errors are also reported as
// PRODUCT_FAILED events. id is the product the request addressed, if any.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error, id string) {
	ctx := r.Context()
	var (
		verr *service.ValidationError
		dup  *repository.CodeExistsError
	)
	switch {
	case errors.As(err, &verr):
		WriteJSONError(ctx, w, http.StatusBadRequest, verr.Error(), "")
	case errors.As(err, &dup):
		a.reportFailure(r, http.StatusConflict, msgProductCodeExists, dup.ExistingID)
		WriteJSONError(ctx, w, http.StatusConflict, msgProductCodeExists, dup.ExistingID)
	case errors.Is(err, repository.ErrConflict):
		a.reportFailure(r, http.StatusConflict, msgProductConflict, id)
		WriteJSONError(ctx, w, http.StatusConflict, msgProductConflict, id)
	case errors.Is(err, repository.ErrNotFound):
		a.reportFailure(r, http.StatusNotFound, msgProductNotFound, id)
		WriteJSONError(ctx, w, http.StatusNotFound, msgProductNotFound, id)
	case errors.Is(err, outbox.ErrClosed):
		WriteJSONError(ctx, w, http.StatusServiceUnavailable, "Service is shutting down", id)
	case errors.Is(err, events.ErrPublish), errors.Is(err, events.ErrMissingTraceID):
		obs.With(ctx).Error("request_failed", "path", r.URL.Path, "error", err)
		WriteJSONError(ctx, w, http.StatusBadGateway, "Event publish failed", id)
	default:
		obs.With(ctx).Error("request_failed", "path", r.URL.Path, "error", err)
		WriteJSONError(ctx, w, http.StatusInternalServerError, "Internal server error", id)
	}
}

// reportFailure logs the domain failure and publishes it as PRODUCT_FAILED.
// A publish error is logged by the service.
func (a *App) reportFailure(r *http.Request, status int, message, productID string) {
	counters.Add("failure_events", 1)
	id, err := a.Svc.ReportFailure(r.Context(), model.Failure{
		Email:     a.actor(r),
		Status:    status,
		Error:     message,
		ProductID: productID,
	})
	attrs := []any{"error", message, "status", status, "product_id", productID}
	if err == nil {
		attrs = append(attrs, "message_id", id)
	}
	obs.With(r.Context()).Warn("product_failure", attrs...)
}
