/*
dto.go - Wire types for the margin service API

PURPOSE:
  Request and response shapes for the HTTP surface. Kept separate from
  storage records so the schema can evolve without breaking the wire format.

CONVENTIONS:
  - Money and margins are decimal strings on the wire (shopspring/decimal
    marshalling), never floats.
  - Dates are YYYY-MM-DD; instants are RFC3339.
*/
package api

import "github.com/shopspring/decimal"

// CreateProductRequest registers a product in the catalog.
type CreateProductRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Recalculable *bool  `json:"recalculable,omitempty"` // default true
}

// SeedSalesRequest loads one week of source sales data.
type SeedSalesRequest struct {
	PeriodStart string          `json:"periodStart"` // YYYY-MM-DD, any day within the week
	Units       int             `json:"units"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// AssignCOGSRequest submits a COGS value for a product.
type AssignCOGSRequest struct {
	Value         decimal.Decimal `json:"value"`
	EffectiveFrom string          `json:"effectiveFrom"` // YYYY-MM-DD
}

// AssignCOGSResponse is the mutation's synchronous answer. Margin is set
// when the backend computed it inline; otherwise the caller polls.
type AssignCOGSResponse struct {
	Margin          *decimal.Decimal `json:"margin"`
	NotRecalculable bool             `json:"notRecalculable"`
	JobID           string           `json:"jobId,omitempty"`
}

// BatchAssignRequest submits many assignments in one operation.
type BatchAssignRequest struct {
	Assignments []BatchAssignment `json:"assignments"`
}

// BatchAssignment is one entry of a batch mutation.
type BatchAssignment struct {
	ProductID     string          `json:"productId"`
	Value         decimal.Decimal `json:"value"`
	EffectiveFrom string          `json:"effectiveFrom"`
}

// BatchAssignResponse acknowledges an accepted batch.
type BatchAssignResponse struct {
	JobIDs []string `json:"jobIds"`
}

// StatusResponse is the lightweight recalculation status record.
type StatusResponse struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// MarginResponse is the authoritative margin record.
type MarginResponse struct {
	Margin       *decimal.Decimal `json:"margin"`
	NoSourceData bool             `json:"noSourceData"`
}

// ErrorResponse carries a human-readable error.
type ErrorResponse struct {
	Error string `json:"error"`
}
