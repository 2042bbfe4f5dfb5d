package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// SealWithPublicKey encrypts data to the given ECDSA public key using ECIES:
// ECDH key agreement with a fresh ephemeral key, SHA-256 key derivation, and
// AES-GCM authenticated encryption. Used to seal private key material for a
// recipient when the delivery channel itself persists messages.
//
// Output format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
func SealWithPublicKey(publicKeyPEM PubkeyPEM, data []byte) ([]byte, error) {
	parsed, err := publicKeyPEM.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}

	ephemeralKey, err := ecdsa.GenerateKey(publicKey.Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	// Derive shared secret using ECDH
	x, _ := publicKey.Curve.ScalarMult(publicKey.X, publicKey.Y, ephemeralKey.D.Bytes())
	sharedSecret := sha256.Sum256(x.Bytes())

	iv := make([]byte, 12) // 12 bytes is standard for GCM
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	aesBlock, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, iv, data, nil)

	ephemeralPublicKeyBytes := elliptic.Marshal(ephemeralKey.Curve, ephemeralKey.X, ephemeralKey.Y)

	result := make([]byte, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(ciphertext))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	copy(result[2:2+len(ephemeralPublicKeyBytes)], ephemeralPublicKeyBytes)
	copy(result[2+len(ephemeralPublicKeyBytes):2+len(ephemeralPublicKeyBytes)+len(iv)], iv)
	copy(result[2+len(ephemeralPublicKeyBytes)+len(iv):], ciphertext)

	return result, nil
}

// UnsealWithPrivateKey decrypts data sealed with SealWithPublicKey using the
// recipient's private key.
func UnsealWithPrivateKey(privateKeyPEM KeyPEM, sealed []byte) ([]byte, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	var privateKey *ecdsa.PrivateKey
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an ECDSA private key")
		}
		privateKey = ecKey
	} else {
		privateKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	if len(sealed) < 2 {
		return nil, errors.New("sealed data too short")
	}

	ephemeralKeyLen := binary.BigEndian.Uint16(sealed[0:2])
	if len(sealed) < int(2+ephemeralKeyLen+12) { // 12 is GCM nonce size
		return nil, errors.New("sealed data has invalid format")
	}

	ephemeralKeyBytes := sealed[2 : 2+ephemeralKeyLen]
	x, y := elliptic.Unmarshal(privateKey.Curve, ephemeralKeyBytes)
	if x == nil {
		return nil, errors.New("failed to unmarshal ephemeral public key")
	}

	// Derive shared secret using ECDH
	xShared, _ := privateKey.Curve.ScalarMult(x, y, privateKey.D.Bytes())
	sharedSecret := sha256.Sum256(xShared.Bytes())

	ivStart := 2 + ephemeralKeyLen
	iv := sealed[ivStart : ivStart+12]
	ciphertext := sealed[ivStart+12:]

	aesBlock, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// DeriveMasterSecret stretches an operator passphrase into a 32-byte
// authority master secret using Argon2id. The salt is fixed per deployment
// so the same passphrase always yields the same authority.
func DeriveMasterSecret(passphrase, salt []byte) []byte {
	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}
