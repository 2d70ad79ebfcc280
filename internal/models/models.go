package models

import (
	"database/sql"
	"time"
)

// OrderMessage is the wire payload carried on the order queue, decrypted
// and decoded from JSON. It is read-only input to the pipeline.
type OrderMessage struct {
	OrderID         string          `json:"orderId"`
	UserID          string          `json:"userId"`
	UserName        string          `json:"userName"`
	UserEmail       string          `json:"userEmail"`
	Items           []LineItem      `json:"items"`
	TotalPrice      float64         `json:"totalPrice"`
	TotalQuantity   int             `json:"totalQuantity"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	OrderDate       time.Time       `json:"orderDate"`
	Status          string          `json:"status"`
	Notes           string          `json:"notes,omitempty"`
}

// LineItem is one product line within an order.
type LineItem struct {
	ProductName string  `json:"productName"`
	Brand       string  `json:"brand"`
	Size        float64 `json:"size"`
	Color       string  `json:"color"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

// ShippingAddress holds the four required delivery fields.
type ShippingAddress struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Message processing statuses recorded in the idempotency ledger.
const (
	MessageStatusProcessing = "PROCESSING"
	MessageStatusProcessed  = "PROCESSED"
	MessageStatusFailed     = "FAILED"
)

// MessageState is the idempotency ledger row, keyed by the order identifier.
// It is the authoritative record distinguishing "never seen" from "seen and
// succeeded" from "seen and failed N times", and survives process restarts.
type MessageState struct {
	MessageID   string         `db:"message_id"`
	Status      string         `db:"status"`
	RetryCount  int            `db:"retry_count"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	PayloadJSON sql.NullString `db:"payload_json"`
}

// DeliveryOutcome is the classified result of one downstream delivery
// attempt. It is constructed fresh per attempt and consumed immediately by
// the orchestrator; it is never persisted as its own entity.
type DeliveryOutcome struct {
	Success    bool
	StatusCode int
	Retryable  bool
	Error      string
	Body       string
}

// Failure types recorded on dead-letter records.
const (
	FailureTypeDecode     = "decode"
	FailureTypeValidation = "validation"
	FailureTypePermanent  = "permanent"
	FailureTypeUnknown    = "unknown"
)

// DLQRecord is the payload published to the dead-letter topic for messages
// that cannot succeed regardless of retry.
type DLQRecord struct {
	MessageID     string    `json:"message_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	FailureType   string    `json:"failure_type"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	FailedAt      time.Time `json:"failed_at"`
	// RawPayload carries the original ciphertext, base64 encoded, so the
	// message can be replayed after manual remediation.
	RawPayload string `json:"raw_payload,omitempty"`
}
