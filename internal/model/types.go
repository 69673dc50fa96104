// Package model defines domain types used by the service.
package model

// Product represents a catalog entry. ID is assigned by the service and
// Code is unique across the catalog.
type Product struct {
	ID    string  `json:"id"`
	Code  string  `json:"code"`
	Name  string  `json:"name"`
	Model string  `json:"model"`
	URL   string  `json:"url,omitempty"`
	Price float64 `json:"price"`
}

// EventType names an outbound domain event.
type EventType string

const (
	ProductCreated EventType = "PRODUCT_CREATED"
	ProductUpdated EventType = "PRODUCT_UPDATED"
	ProductDeleted EventType = "PRODUCT_DELETED"
	ProductFailed  EventType = "PRODUCT_FAILED"
)

// ProductEvent is the body of a successful mutation event.
type ProductEvent struct {
	ID    string  `json:"id"`
	Code  string  `json:"code"`
	Email string  `json:"email"`
	Price float64 `json:"price"`
}

// Failure describes a failed request; it is the body of a PRODUCT_FAILED event.
type Failure struct {
	Email     string `json:"email"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	ProductID string `json:"id,omitempty"`
}

// Attribute keys attached to every published message.
const (
	AttrEventType = "eventType"
	AttrRequestID = "requestId"
	AttrTraceID   = "traceId"
)
