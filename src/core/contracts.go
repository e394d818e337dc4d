package main

import (
	"fmt"
	"strings"

	"github.com/signetwallet/signet/src/clarity"
)

// SubnetContract maps a subnet contract to the token it custodies
type SubnetContract struct {
	Contract string `yaml:"contract" json:"contract"`
	Token    string `yaml:"token" json:"token"`
}

// ContractsConfig is the static set of supported subnets and the contract
// each transaction kind is routed to
type ContractsConfig struct {
	Subnets []SubnetContract           `yaml:"subnets" json:"subnets"`
	Routes  map[TransactionKind]string `yaml:"routes" json:"routes"`
}

// Built-in subnet contracts
const (
	DefaultWelshSubnet   = "SP2ZNGJ85ENDY6QRHQ5P2D4FXKGZWCKTB2T0Z55KS.blaze-welsh-v1"
	DefaultPredictSubnet = "SP2ZNGJ85ENDY6QRHQ5P2D4FXKGZWCKTB2T0Z55KS.blaze-predict-v1"
)

// DefaultContracts returns the contracts shipped with the wallet
func DefaultContracts() ContractsConfig {
	return ContractsConfig{
		Subnets: []SubnetContract{
			{
				Contract: DefaultWelshSubnet,
				Token:    "SP3NE50GEXFG9SZGTT51P40X2CKYSZ5CC4ZTZ7A2G.welshcorgicoin-token::welshcorgicoin",
			},
			{
				Contract: DefaultPredictSubnet,
				Token:    "SP2ZNGJ85ENDY6QRHQ5P2D4FXKGZWCKTB2T0Z55KS.charisma-token::charisma",
			},
		},
		Routes: map[TransactionKind]string{
			TxKindTransfer:    DefaultWelshSubnet,
			TxKindPredict:     DefaultPredictSubnet,
			TxKindClaimReward: DefaultPredictSubnet,
		},
	}
}

// TokenFor returns the token identifier mapped to a subnet contract
func (c ContractsConfig) TokenFor(contractID string) (string, bool) {
	for _, s := range c.Subnets {
		if s.Contract == contractID && s.Token != "" {
			return s.Token, true
		}
	}
	return "", false
}

// RouteFor returns the contract a transaction kind is settled on
func (c ContractsConfig) RouteFor(kind TransactionKind) (string, bool) {
	contract, ok := c.Routes[kind]
	return contract, ok && contract != ""
}

// Validate checks contract id formats, duplicates and routes
func (c ContractsConfig) Validate() error {
	if len(c.Subnets) == 0 {
		return fmt.Errorf("no subnet contracts configured")
	}

	seen := make(map[string]bool, len(c.Subnets))
	for _, s := range c.Subnets {
		if _, _, err := SplitContractID(s.Contract); err != nil {
			return err
		}
		if seen[s.Contract] {
			return fmt.Errorf("duplicate subnet contract %s", s.Contract)
		}
		seen[s.Contract] = true
	}

	for kind, contract := range c.Routes {
		if !kind.Valid() {
			return fmt.Errorf("%w: route for %q", ErrUnsupportedKind, kind)
		}
		if _, _, err := SplitContractID(contract); err != nil {
			return fmt.Errorf("route for %s: %w", kind, err)
		}
	}
	return nil
}

// SplitContractID splits "<address>.<name>". Only the shape is checked; the
// address checksum is left to the chain.
func SplitContractID(id string) (string, string, error) {
	address, name, ok := strings.Cut(id, ".")
	if !ok || len(address) < 3 || (address[0] != 'S' && address[0] != 's') {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidContractID, id)
	}
	if err := clarity.ValidateContractName(name); err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidContractID, id)
	}
	return address, name, nil
}
