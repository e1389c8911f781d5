package entities

import "time"

// MetricsAggregate is the running total of validated claims for one tenant
// and error kind. Aggregates only ever grow.
type MetricsAggregate struct {
	TenantID        string    `json:"tenant_id"`
	ErrorKind       ErrorKind `json:"error_kind"`
	ClaimCount      int64     `json:"claim_count"`
	TotalPaidAmount float64   `json:"total_paid_amount"`
	UpdatedAt       time.Time `json:"updated_at"`
}
