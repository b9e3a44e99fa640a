// Package events holds the public event contract shared by the platform's
// services. Event type strings are stable: renaming one is a breaking change
// and requires an envelope schema version bump.
package events

import "time"

// Aggregate types.
const (
	AggregateUser    = "user"
	AggregateProduct = "product"
)

// Event types published by user-service.
const (
	UserCreated = "user.created"
	UserUpdated = "user.updated"
	UserDeleted = "user.deleted"
)

// Event types published by product-service.
const (
	ProductCreated      = "product.created"
	ProductUpdated      = "product.updated"
	ProductDeleted      = "product.deleted"
	ProductStockChanged = "product.stock.changed"
)

// UserCreatedPayload is the body of a user.created event.
type UserCreatedPayload struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserUpdatedPayload is the body of a user.updated event.
type UserUpdatedPayload struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserDeletedPayload is the body of a user.deleted event.
type UserDeletedPayload struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ProductCreatedPayload is the body of a product.created event.
type ProductCreatedPayload struct {
	ProductID   string    `json:"product_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProductUpdatedPayload is the body of a product.updated event. Only changed
// fields are set.
type ProductUpdatedPayload struct {
	ProductID string    `json:"product_id"`
	Name      *string   `json:"name,omitempty"`
	Price     *float64  `json:"price,omitempty"`
	Stock     *int      `json:"stock,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProductDeletedPayload is the body of a product.deleted event.
type ProductDeletedPayload struct {
	ProductID string    `json:"product_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ProductStockChangedPayload is the body of a product.stock.changed event.
type ProductStockChangedPayload struct {
	ProductID     string    `json:"product_id"`
	PreviousStock int       `json:"previous_stock"`
	NewStock      int       `json:"new_stock"`
	Change        int       `json:"change"` // positive = added, negative = removed
	Reason        string    `json:"reason"` // e.g. "sale", "restock", "return"
	ChangedAt     time.Time `json:"changed_at"`
}

// TopicFor maps an aggregate type to its bus topic. All events of one
// aggregate share a topic and are keyed by aggregate id, so one partition
// carries an aggregate's events in order.
func TopicFor(aggregateType string) string {
	return aggregateType + "s.events"
}
