// Package webhook implements the inbound payment webhook endpoints.
//
// # Request Flow
//
//  1. POST /webhooks/{endpoint}; unknown endpoints get 404
//  2. Per-client rate limit (429 with Retry-After when exceeded)
//  3. Body size checked (413 if too large)
//  4. Signature verified against the endpoint's vault secret (401 on failure)
//  5. Body must be a JSON object (400 otherwise)
//  6. Job durably enqueued, workers notified
//  7. 200 {"success":true,"webhookId":"..."} returned
//
// Steps 2 and 4 share the verify timeout. Processing happens asynchronously in
// the processor package; the webhookId becomes the stored event id.
//
// # Error Responses
//
// Error bodies are generic. Signature values are logged only as a redacted
// preview and secret material never leaves the verifier.
//
// GET /webhooks/{endpoint} reports liveness, secret configuration and queue
// depth. It never returns event data.
package webhook
