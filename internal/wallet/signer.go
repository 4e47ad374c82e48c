package wallet

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bardlex/lightmine/pkg/errors"
)

// ParseKey decodes a hex private key, with or without the 0x prefix.
func ParseKey(privateKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
	if err != nil {
		// err from HexToECDSA can echo key material; drop it.
		return nil, errors.New(errors.ErrorTypeSigning, "parse_key", "invalid private key")
	}
	return key, nil
}

// AddressOf returns the checksummed address for a private key.
func AddressOf(privateKey string) (string, error) {
	key, err := ParseKey(privateKey)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// SignMessage produces an EIP-191 personal_sign signature over message,
// hex encoded with a 27/28 recovery byte.
func SignMessage(message, privateKey string) (string, error) {
	key, err := ParseKey(privateKey)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeSigning, "sign_message",
			"failed to sign message")
	}
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig), nil
}

// Signer signs with the wallet's own key.
type Signer struct{}

// Sign implements the signing capability the session service depends on.
func (Signer) Sign(message string, w Wallet) (string, error) {
	sig, err := SignMessage(message, w.PrivateKey)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeSigning, "sign_nonce",
			"failed to sign login nonce").WithContext("wallet", w.Address)
	}
	return sig, nil
}
