// Package wallet loads the wallet list and signs login messages.
package wallet

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/bardlex/lightmine/pkg/errors"
)

// Wallet is one mining identity. PrivateKey is a hex string and must never be logged.
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// Redacted returns the wallet with the key blanked out.
func (w Wallet) Redacted() Wallet {
	return Wallet{Address: w.Address}
}

// Parse decodes a JSON array of wallets. Entries without an address or key are rejected.
func Parse(data []byte) ([]Wallet, error) {
	var wallets []Wallet
	if err := json.Unmarshal(data, &wallets); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "parse_wallets",
			"wallet file is not a JSON array of {address, privateKey}")
	}

	if len(wallets) == 0 {
		return nil, errors.New(errors.ErrorTypeConfiguration, "parse_wallets",
			"wallet list is empty")
	}

	for i := range wallets {
		wallets[i].Address = strings.TrimSpace(wallets[i].Address)
		wallets[i].PrivateKey = strings.TrimSpace(wallets[i].PrivateKey)
		if wallets[i].Address == "" || wallets[i].PrivateKey == "" {
			return nil, errors.New(errors.ErrorTypeConfiguration, "parse_wallets",
				"wallet entry is missing address or privateKey").WithContext("index", i)
		}
	}

	return wallets, nil
}

// LoadFile reads and parses the wallet file.
func LoadFile(path string) ([]Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "load_wallets",
			"wallet file not found").WithContext("path", path)
	}

	wallets, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "load_wallets",
			"wallet file is unusable").WithContext("path", path)
	}
	return wallets, nil
}
