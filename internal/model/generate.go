// Package model defines shared types for the proxy.
package model

import "context"

// GenerateRequest is a caller request to be relayed to the generateContent endpoint.
// Body is opaque to the proxy and is forwarded byte-for-byte.
type GenerateRequest struct {
	Ctx  context.Context
	Body []byte
}

// GenerateResponse is a fully read upstream response.
type GenerateResponse struct {
	StatusCode int
	Body       []byte
}

// Outcome classifies how a single generate invocation ended.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeMethodNotAllowed    Outcome = "method_not_allowed"
	OutcomeMissingAPIKey       Outcome = "missing_api_key"
	OutcomeInvalidPayload      Outcome = "invalid_payload"
	OutcomePayloadTooLarge     Outcome = "payload_too_large"
	OutcomeUpstreamStatus      Outcome = "upstream_status"
	OutcomeUpstreamError       Outcome = "upstream_error"
	OutcomeInvalidUpstreamBody Outcome = "invalid_upstream_body"
)

// Outcomes lists every Outcome, in the order metrics are pre-initialized.
var Outcomes = []Outcome{
	OutcomeSuccess,
	OutcomeMethodNotAllowed,
	OutcomeMissingAPIKey,
	OutcomeInvalidPayload,
	OutcomePayloadTooLarge,
	OutcomeUpstreamStatus,
	OutcomeUpstreamError,
	OutcomeInvalidUpstreamBody,
}
