// Package cryptoutils provides the cryptographic primitives the
// provisioning service composes: PEM-typed key, certificate, and CSR
// handling, device key-pair and CSR generation, certificate/key matching
// checks, ECIES sealing, and the passphrase KDF for the authority master
// secret.
//
// The sealing scheme is ECIES (Elliptic Curve Integrated Encryption
// Scheme) built from:
//
//   - Elliptic curve (NIST P-256) for key exchange
//   - ECDH for shared secret derivation
//   - SHA-256 for key derivation
//   - AES-GCM for authenticated symmetric encryption
//   - Unique ephemeral keys for each operation
//
// Sealed data follows this binary format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// It is used when credential artifacts containing private key material must
// traverse a channel that retains messages, such as a message-bus
// distribution topic.
package cryptoutils
