// Package webhook receives participant notifications over HTTP.
//
// Each configured endpoint maps a URL path to one flow (registration or
// push). A delivery is accepted in four steps:
//
//  1. Body size checked (413 if too large)
//  2. HMAC-SHA256 signature verified when the endpoint has a secret
//     (generic 403 on any mismatch, compared with crypto/subtle)
//  3. JSON decoded into a pipeline.Notification and validated (400)
//  4. Handed to the Submitter; 202 Accepted with a delivery_id
//
// The response never waits for the pipeline. Request logs exclude
// payloads, and the notification's credential is redacted from every log
// line.
//
// The same listener serves GET /healthz and, when an events hub is given,
// GET /events: a server-sent event stream of run lifecycle events.
//
// Configuration:
//
//	webhooks:
//	  listen: "0.0.0.0:8080"
//	  endpoints:
//	    - path: /participant/registration/push
//	      kind: registration
//	      secret_ref: host_webhook_secret
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 64KB
//	    - path: /participant/push
//	      kind: push
//	      allow_unsigned: true
package webhook
