package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gregtusar/perpexec/pkg/models"
)

// ParsePrivateKey parses a hex secp256k1 private key, with or without 0x.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed private key: %w", models.ErrSignerInit, err)
	}
	return key, nil
}

// PublicKeyHex is the compressed public key as registered with the exchange.
func PublicKeyHex(key *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.CompressPubkey(&key.PublicKey))
}

func samePublicKey(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	}
	return norm(a) == norm(b)
}
