package utils

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	// PubkeyLen is the decoded length of a ledger account key.
	PubkeyLen = 32
	// SignatureLen is the decoded length of a transaction signature.
	SignatureLen = 64
)

var (
	ErrInvalidPubkey    = errors.New("invalid pubkey")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidatePubkey checks that key is a base58 string of 32-44 characters decoding to 32 bytes.
func ValidatePubkey(key string) error {
	if len(key) < 32 || len(key) > 44 {
		return fmt.Errorf("%w: length must be between 32 and 44 characters, got %d", ErrInvalidPubkey, len(key))
	}
	raw, err := base58.Decode(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	if len(raw) != PubkeyLen {
		return fmt.Errorf("%w: decoded to %d bytes", ErrInvalidPubkey, len(raw))
	}
	return nil
}

// ValidateSignature checks that sig is a base58 string decoding to a 64 byte signature.
func ValidateSignature(sig string) error {
	if len(sig) < 64 || len(sig) > 88 {
		return fmt.Errorf("%w: length must be between 64 and 88 characters, got %d", ErrInvalidSignature, len(sig))
	}
	raw, err := base58.Decode(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != SignatureLen {
		return fmt.Errorf("%w: decoded to %d bytes", ErrInvalidSignature, len(raw))
	}
	return nil
}

// EncodePubkey renders raw key bytes in the ledger's base58 text form.
func EncodePubkey(raw []byte) string {
	return base58.Encode(raw)
}
