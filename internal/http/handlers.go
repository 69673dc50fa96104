package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	httpopenapi "github.com/fairyhunter13/product-catalog-service/internal/http/openapi"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/outbox"
	"github.com/fairyhunter13/product-catalog-service/internal/service"
)

// counters is published under /debug/vars.
var counters = expvar.NewMap("product_catalog")

// maxPageLimit caps ?limit= on paginated listing.
const maxPageLimit = 1000

type App struct {
	Cfg     config.Config
	Svc     *service.Products
	Relay   *outbox.Relay
	Ready   func(context.Context) error
	closing atomic.Bool
	started time.Time
}

// productRequest is the body of POST and PUT. A client-supplied id is
// accepted and ignored.
type productRequest struct {
	ID string `json:"id,omitempty"`
	service.Input
}

type pageResponse struct {
	Items      []model.Product `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// NewApp wires handlers to svc. relay is nil unless events go through the
// outbox; ready is nil when there is no backing service to probe.
func NewApp(cfg config.Config, svc *service.Products, relay *outbox.Relay, ready func(context.Context) error) *App {
	return &App{Cfg: cfg, Svc: svc, Relay: relay, Ready: ready, started: time.Now()}
}

// StartShutdown makes mutations fail with 503 and stops outbox intake.
func (a *App) StartShutdown() {
	a.closing.Store(true)
	if a.Relay != nil {
		a.Relay.CloseIntake()
	}
}

func (a *App) actor(r *http.Request) string {
	if v := r.Header.Get(HeaderActorEmail); v != "" {
		return v
	}
	return a.Cfg.ActorEmail
}

func (a *App) decode(w http.ResponseWriter, r *http.Request) (service.Input, bool) {
	var req productRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteJSONError(r.Context(), w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return service.Input{}, false
		}
		WriteJSONError(r.Context(), w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return service.Input{}, false
	}
	return req.Input, true
}

func (a *App) rejectIfClosing(w http.ResponseWriter, r *http.Request) bool {
	if a.closing.Load() {
		WriteJSONError(r.Context(), w, http.StatusServiceUnavailable, "Service is shutting down", "")
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any, messageID string) {
	w.Header().Set("Content-Type", "application/json")
	if messageID != "" {
		w.Header().Set(HeaderEventID, messageID)
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obs.With(r.Context()).Warn("response_encode_failed", "error", err)
	}
}

func (a *App) createProductHandler(w http.ResponseWriter, r *http.Request) {
	if a.rejectIfClosing(w, r) {
		return
	}
	in, ok := a.decode(w, r)
	if !ok {
		return
	}
	res, err := a.Svc.Create(r.Context(), in, a.actor(r))
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	counters.Add("products_created", 1)
	obs.With(r.Context()).Info("product_create_published", "product_id", res.Product.ID, "message_id", res.MessageID)
	writeJSON(w, r, http.StatusCreated, res.Product, res.MessageID)
}

func (a *App) updateProductHandler(w http.ResponseWriter, r *http.Request) {
	if a.rejectIfClosing(w, r) {
		return
	}
	id := r.PathValue("id")
	in, ok := a.decode(w, r)
	if !ok {
		return
	}
	res, err := a.Svc.Update(r.Context(), id, in, a.actor(r))
	if err != nil {
		a.fail(w, r, err, id)
		return
	}
	counters.Add("products_updated", 1)
	obs.With(r.Context()).Info("product_update_published", "product_id", id, "message_id", res.MessageID)
	writeJSON(w, r, http.StatusOK, res.Product, res.MessageID)
}

func (a *App) deleteProductHandler(w http.ResponseWriter, r *http.Request) {
	if a.rejectIfClosing(w, r) {
		return
	}
	id := r.PathValue("id")
	res, err := a.Svc.Delete(r.Context(), id, a.actor(r))
	if err != nil {
		a.fail(w, r, err, id)
		return
	}
	counters.Add("products_deleted", 1)
	obs.With(r.Context()).Info("product_delete_published", "product_id", id, "message_id", res.MessageID)
	writeJSON(w, r, http.StatusOK, res.Product, res.MessageID)
}

func (a *App) getProductHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, id)
		return
	}
	writeJSON(w, r, http.StatusOK, p, "")
}

// listProductsHandler serves three shapes: ?code= returns one product,
// ?limit= or ?cursor= returns a page, and no query returns every product.
func (a *App) listProductsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("code") {
		p, err := a.Svc.GetByCode(r.Context(), q.Get("code"))
		if err != nil {
			a.fail(w, r, err, "")
			return
		}
		writeJSON(w, r, http.StatusOK, p, "")
		return
	}
	if q.Has("limit") || q.Has("cursor") {
		limit := a.Cfg.ListPageSize
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteJSONError(r.Context(), w, http.StatusBadRequest, "limit must be a positive integer", "")
				return
			}
			limit = n
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
		page, err := a.Svc.List(r.Context(), q.Get("cursor"), limit)
		if err != nil {
			a.fail(w, r, err, "")
			return
		}
		if page.Items == nil {
			page.Items = []model.Product{}
		}
		writeJSON(w, r, http.StatusOK, pageResponse{Items: page.Items, NextCursor: page.Next}, "")
		return
	}
	all, err := a.Svc.ListAll(r.Context())
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	writeJSON(w, r, http.StatusOK, all, "")
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"}, "")
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"}, "")
		return
	}
	if a.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ready(ctx); err != nil {
			obs.With(r.Context()).Warn("readiness_failed", "error", err)
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}, "")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"}, "")
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	m := map[string]any{
		"store_backend":   a.Cfg.StoreBackend,
		"code_uniqueness": a.Cfg.CodeUniqueness,
		"event_broker":    a.Cfg.EventBroker,
		"event_delivery":  a.Cfg.EventDelivery,
		"uptime_sec":      time.Since(a.started).Seconds(),
	}
	for _, k := range []string{"products_created", "products_updated", "products_deleted", "failure_events"} {
		if v, ok := counters.Get(k).(*expvar.Int); ok {
			m[k] = v.Value()
		} else {
			m[k] = int64(0)
		}
	}
	if a.Relay != nil {
		st := a.Relay.Metrics(r.Context())
		m["outbox_delivered"] = st.Delivered
		m["outbox_failed"] = st.Failed
		m["outbox_pending"] = st.Pending
		m["outbox_dead"] = st.Dead
		m["worker_count"] = st.Workers
	}
	writeJSON(w, r, http.StatusOK, m, "")
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Product Catalog API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`
	_, _ = w.Write([]byte(html))
}
