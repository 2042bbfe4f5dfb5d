// Package main (cmd/provisioning-server) runs the device credential
// provisioning service.
//
// The server accepts provisioning requests over HTTP, drives each one
// through the issue/distribute/verify workflow, and records every
// credential in a SQLite store. Certificate signing is backed by one of
// three authority key sources, selected with --ca-mode:
//
//   - files: a CA certificate and private key PEM pair given at startup.
//
//   - secret: a signing key derived deterministically from a hex master
//     secret (--ca-secret) or from an operator passphrase
//     (--ca-passphrase). Suitable for development and single-operator
//     deployments.
//
//   - shamir: the master secret is split among administrators with
//     Shamir's Secret Sharing. The server starts sealed and serves only
//     the /admin ceremony API until enough administrators submit their
//     shares; issuance returns 503 until then.
//
// Credential artifacts reach devices over the transport selected with
// --transport: direct HTTP JSON-RPC upload to each device, or a Kafka
// publish to a per-fleet topic. Devices without a fixed address are
// resolved through a DNS SRV or static locator (--locator). Issued
// certificate bundles can additionally be replicated to audit archives
// (--archive-uris) over file, S3, IPFS, or Vault backends.
//
// The server exposes health endpoints (/livez, /readyz), drain control
// (/drain, /undrain), Prometheus metrics on a separate listener, and an
// optional pprof endpoint. It shuts down gracefully on SIGINT/SIGTERM,
// draining in-flight provisioning jobs so none is left non-terminal.
//
// Example, development mode against a local simulated device:
//
//	provisioning-server --ca-mode secret --ca-passphrase swordfish \
//	    --store-path ./provisioning.db --transport http
//
// Example, production mode with a sealed authority:
//
//	provisioning-server --ca-mode shamir --admin-keys-file admins.json \
//	    --transport kafka --kafka-brokers broker1:9092,broker2:9092
package main
