/*
Package httpserver provides secure share management for unsealing the
certificate authority.

# Share Distribution Security Model

The share distribution model protects shares throughout their lifecycle
without requiring admins to trust each other or the server.

## Key Security Properties

1. **Per-Admin Share Assignment**: Each share is assigned to a specific admin
2. **Public Key Encryption**: Each share is encrypted with its admin's public key
3. **Individual Retrieval**: Each admin can only retrieve their own share
4. **Cryptographic Verification**: All admin requests are authenticated with signatures
5. **Zero Trust Model**: No party (including the server) can access all shares
6. **Audit Trail**: All share operations are logged with admin identifiers

## Share Generation and Distribution Process

When an admin initiates master secret generation:

1. The server generates a cryptographically random master secret
2. The secret is split into shares using Shamir's Secret Sharing algorithm
3. The authority's signing key is derived and the secret is erased
4. Each share is assigned to a specific admin and encrypted with that admin's public key
5. The server stores the encrypted shares but cannot decrypt them
6. Only metadata about the share assignments is returned in the response
7. Each admin must make a separate authenticated request to retrieve their share

## Recovery Process

During recovery of a restarted, sealed service:

1. An admin initiates recovery mode with a specified threshold
2. Each admin submits their share along with a signature over the share
3. The server verifies each admin's identity and share signature
4. Once the threshold is reached, the master secret is reconstructed in
   memory, the authority key is derived from it, and the share buffers are
   wiped
5. The master secret is never persisted; key derivation is deterministic,
   so the recovered authority continues to verify certificates issued
   before the restart

# Cryptographic Operations

1. **Share Encryption**: Asymmetric encryption using ECIES with AES-GCM
2. **Request Authentication**: ECDSA signatures with SHA-256
3. **Secret Sharing**: Shamir's Secret Sharing algorithm with GF(256)
4. **Master Secret Generation**: Cryptographically secure random number generation

# Security Considerations

1. Admin private keys must be securely generated and stored
2. Communication should always use TLS (HTTPS) to prevent eavesdropping
3. Shares should be securely stored when not in use
4. The threshold should be set appropriately (not too low, not too high)
*/
package httpserver
