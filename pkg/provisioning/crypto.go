// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

package provisioning

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const rsaKeyBits = 2048

// generateKeyPair creates the device RSA keypair. The private key lives in
// memory for the duration of provisioning only.
func generateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate device keypair: %w", err)
	}
	return key, nil
}

// marshalPublicKeyPEM encodes a public key as PKIX PEM for transmission.
func marshalPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// parsePublicKeyPEM decodes the cloud's PKIX PEM public key.
func parsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in cloud public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse cloud public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cloud public key is %T, want RSA", parsed)
	}
	return pub, nil
}

// encryptOAEP encrypts an arbitrary-length payload by chunking it to the
// OAEP limit of the key. Chunk ciphertexts are concatenated; each is
// exactly the key size, so the receiver can split without framing.
func encryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	hash := sha256.New()
	chunkSize := pub.Size() - 2*hash.Size() - 2

	var out []byte
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > chunkSize {
			n = chunkSize
		}
		chunk, err := rsa.EncryptOAEP(hash, rand.Reader, pub, plaintext[:n], nil)
		if err != nil {
			return nil, fmt.Errorf("encrypt registration payload: %w", err)
		}
		out = append(out, chunk...)
		plaintext = plaintext[n:]
	}
	return out, nil
}

// decryptOAEP reverses encryptOAEP. The agent itself never receives
// encrypted payloads; this exists for the round-trip property and tests.
func decryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	hash := sha256.New()
	keySize := priv.Size()
	if len(ciphertext)%keySize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of key size %d", len(ciphertext), keySize)
	}

	var out []byte
	for len(ciphertext) > 0 {
		chunk, err := rsa.DecryptOAEP(hash, rand.Reader, priv, ciphertext[:keySize], nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
		out = append(out, chunk...)
		ciphertext = ciphertext[keySize:]
	}
	return out, nil
}
