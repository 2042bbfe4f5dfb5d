// Package archive stores issued-certificate bundles in pluggable backends,
// keyed by the leaf certificate's SHA-256 fingerprint.
//
// The archive is an audit trail independent of the credential store: every
// successful issuance appends one bundle (leaf certificate plus issuing
// chain, public material only) and nothing ever rewrites it. Backends treat
// a key that already holds content as satisfied, so replayed writes after a
// crash or a redundant multi-backend store stay idempotent.
//
// # Archive URI Format
//
// Archive backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/provisioner/archive/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/
//   - vault://vault.example.com:8200/secret/provisioner?token=...
//
// # Multi-Backend Redundancy
//
// MultiBackendFor aggregates several locations into one backend that stores
// to every available backend and serves fetches from the first one holding
// the bundle:
//
//	locations := []string{
//	    "file:///var/lib/provisioner/archive/",
//	    "s3://credential-audit/fleet/?region=eu-central-1",
//	}
//	backend, err := factory.MultiBackendFor(parse(locations))
//
// A store succeeds when at least one backend accepted the bundle; the
// orchestrator treats archive trouble as a warning, never as a provisioning
// failure.
package archive
