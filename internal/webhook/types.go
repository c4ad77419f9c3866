package webhook

import (
	"github.com/mattjoyce/evexec/internal/pipeline"
)

// Submitter accepts validated notifications. It must not block on pipeline
// execution.
type Submitter interface {
	Registration(n pipeline.Notification) error
	Push(n pipeline.Notification) error
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path, e.g. "/participant/push".
	Path string

	// Kind selects the flow a delivery triggers.
	Kind pipeline.Kind

	// Secret is the HMAC secret. Empty means unsigned deliveries are
	// accepted; the config layer only allows that with allow_unsigned.
	Secret string

	// SignatureHeader carries the HMAC signature (default X-Hub-Signature-256).
	SignatureHeader string

	// MaxBodySize is the maximum request body size in bytes (default 1 MiB).
	MaxBodySize int64
}

// AcceptedResponse is the JSON body of a 202.
type AcceptedResponse struct {
	DeliveryID  string        `json:"delivery_id"`
	Kind        pipeline.Kind `json:"kind"`
	Participant string        `json:"participant"`
}

// HealthResponse is the JSON body of GET /healthz.
type HealthResponse struct {
	Status string      `json:"status"`
	Events *EventStats `json:"events,omitempty"`
	Stats  any         `json:"stats,omitempty"`
}

// EventStats describes the event hub.
type EventStats struct {
	// Dropped counts events a slow /events subscriber missed.
	Dropped int64 `json:"dropped"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"
)
