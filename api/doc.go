/*
Package api defines the wire contract of the device provisioning service.

The types here are shared by the HTTP handlers in package httpserver and the
client libraries in api/clients, so both sides marshal the same shapes.

# API Structure

The API is divided into two surfaces:

 1. Provisioning API (/api/v1) - Operator-facing endpoints for requesting
    provisioning jobs, inspecting identities and their certificate history,
    revoking certificates, and fetching the authority root.
 2. Admin API (/admin) - Master secret ceremonies: generating and
    distributing key shares, and recovering (unsealing) the authority from
    submitted shares.

# Admin Authentication

Admin endpoints authenticate requests with ECDSA signatures rather than
bearer tokens. The signature covers sha256(request path + request body) and
travels base64 encoded in the X-Admin-Signature header, next to the
X-Admin-ID header naming the key to verify against. CreateSignedAdminRequest
builds such requests; the server side lives in httpserver.AdminHandler.

Shares are never transported in plaintext: each admin's share is encrypted
with that admin's public key before it leaves the process, and submitted
shares carry their own signature over sha256(share).
*/
package api
