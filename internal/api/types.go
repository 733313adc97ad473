package api

import (
	"github.com/satriahrh/callbridge/domain/entities"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse reports liveness and load
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	ActiveCalls int    `json:"active_calls"`
}

// CallListResponse lists live calls
type CallListResponse struct {
	Calls []entities.CallSnapshot `json:"calls"`
	Count int                     `json:"count"`
}
