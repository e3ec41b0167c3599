// Package config builds a single, explicit Config record at startup and
// passes it to every component by value or reference, in place of a
// module-level settings object.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

// Config is every tunable Concent needs at startup. It is constructed once,
// in main, and threaded explicitly into the relay, store, oracle and
// bankster constructors.
type Config struct {
	// AdditionalVerificationCost governs whether claim_deposit also reserves
	// a provider-side claim under ADDITIONAL_VERIFICATION.
	AdditionalVerificationCost uint64

	// ConcentEthereumAddress is the payee address for provider claims that
	// fund additional verification, derived from ConcentEthereumPublicKey.
	ConcentEthereumAddress common.Address

	// AverageBlockTime converts a timestamp window into a block window for
	// oracle queries.
	AverageBlockTime time.Duration

	// SigningServicePublicKey verifies frames received from the upstream
	// Signing Service connection.
	SigningServicePublicKey *secp256k1.PublicKey

	// ConcentPrivateKey signs every frame Concent originates.
	ConcentPrivateKey *secp256k1.PrivateKey

	// ConcentPublicKey is the public half of ConcentPrivateKey, verified by
	// peers against frames Concent sends.
	ConcentPublicKey *secp256k1.PublicKey

	// ConnectionCounterLimit is the wrap point for both front-end connection
	// ids and signing-service request ids.
	ConnectionCounterLimit uint64

	// ControlStorePath / StorageStorePath are the on-disk locations of the
	// two logical stores.
	ControlStorePath string
	StorageStorePath string
}

// fileConfig is the YAML-facing shape: raw hex strings and integers that
// Load converts into their typed Config counterparts.
type fileConfig struct {
	AdditionalVerificationCost uint64 `yaml:"additional_verification_cost"`
	ConcentEthereumPublicKey   string `yaml:"concent_ethereum_public_key"`
	AverageBlockTimeSeconds    int64  `yaml:"average_block_time_seconds"`
	SigningServicePublicKey    string `yaml:"signing_service_public_key"`
	ConcentPrivateKey          string `yaml:"concent_private_key"`
	ConnectionCounterLimit     uint64 `yaml:"connection_counter_limit"`
	ControlStorePath           string `yaml:"control_store_path"`
	StorageStorePath           string `yaml:"storage_store_path"`
}

// Load reads a YAML config file at path and builds a Config, deriving public
// keys and the Concent Ethereum payee address from the raw values on disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	signingServicePub, err := decodePublicKey(fc.SigningServicePublicKey)
	if err != nil {
		return nil, fmt.Errorf("config: signing_service_public_key: %w", err)
	}

	concentPriv, err := decodePrivateKey(fc.ConcentPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("config: concent_private_key: %w", err)
	}

	concentEthPub, err := decodePublicKey(fc.ConcentEthereumPublicKey)
	if err != nil {
		return nil, fmt.Errorf("config: concent_ethereum_public_key: %w", err)
	}

	if fc.ConnectionCounterLimit == 0 {
		return nil, fmt.Errorf("config: connection_counter_limit must be positive")
	}
	if fc.AverageBlockTimeSeconds <= 0 {
		return nil, fmt.Errorf("config: average_block_time_seconds must be positive")
	}

	return &Config{
		AdditionalVerificationCost: fc.AdditionalVerificationCost,
		ConcentEthereumAddress:     publicKeyToAddress(concentEthPub),
		AverageBlockTime:           time.Duration(fc.AverageBlockTimeSeconds) * time.Second,
		SigningServicePublicKey:    signingServicePub,
		ConcentPrivateKey:          concentPriv,
		ConcentPublicKey:           concentPriv.PubKey(),
		ConnectionCounterLimit:     fc.ConnectionCounterLimit,
		ControlStorePath:           fc.ControlStorePath,
		StorageStorePath:           fc.StorageStorePath,
	}, nil
}

func decodePublicKey(hexStr string) (*secp256k1.PublicKey, error) {
	b, err := decodeHex(hexStr)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(b)
}

func decodePrivateKey(hexStr string) (*secp256k1.PrivateKey, error) {
	b, err := decodeHex(hexStr)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 raw bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return priv, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// publicKeyToAddress derives the low 20 bytes of keccak256(pubkey), the way
// an Ethereum address is computed from an uncompressed secp256k1 public key.
func publicKeyToAddress(pub *secp256k1.PublicKey) common.Address {
	uncompressed := pub.SerializeUncompressed()[1:] // drop the 0x04 prefix
	hash := crypto.Keccak256(uncompressed)
	var addr common.Address
	copy(addr[:], hash[12:])
	return addr
}
