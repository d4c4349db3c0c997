// Package kms abstracts the external key-management service used for
// symmetric encryption of opaque secret blobs at rest.
package kms

import "context"

// Encrypter encrypts and decrypts opaque secret blobs. The production
// implementation delegates to an external key-management service; this
// package only defines the contract plus local implementations.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// NoopEncrypter passes blobs through unchanged. Used when encryption at
// rest is disabled (in-memory storage, tests).
type NoopEncrypter struct{}

func NewNoopEncrypter() *NoopEncrypter {
	return &NoopEncrypter{}
}

func (e *NoopEncrypter) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (e *NoopEncrypter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
