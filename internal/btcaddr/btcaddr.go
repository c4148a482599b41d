// Package btcaddr validates the Bitcoin addresses collateral is released to.
//
// Legacy P2PKH and P2SH addresses are checked as base58check with the
// network's version byte and a 20-byte hash. Native segwit addresses are
// checked as bech32 with the network's human-readable part and a valid
// witness program.
package btcaddr

import (
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"

	"github.com/bollar/cdp-engine/internal/model"
)

// Network selects the address encoding parameters.
type Network struct {
	Name       string
	HRP        string
	PubKeyHash byte
	ScriptHash byte
}

var (
	Mainnet = Network{Name: "mainnet", HRP: "bc", PubKeyHash: 0x00, ScriptHash: 0x05}
	Testnet = Network{Name: "testnet", HRP: "tb", PubKeyHash: 0x6f, ScriptHash: 0xc4}
	Regtest = Network{Name: "regtest", HRP: "bcrt", PubKeyHash: 0x6f, ScriptHash: 0xc4}
)

// ByName returns the network called name, defaulting to mainnet.
func ByName(name string) Network {
	switch strings.ToLower(name) {
	case Testnet.Name:
		return Testnet
	case Regtest.Name:
		return Regtest
	default:
		return Mainnet
	}
}

// Kind is the script type an address pays to.
type Kind string

const (
	P2PKH   Kind = "p2pkh"
	P2SH    Kind = "p2sh"
	Witness Kind = "witness"
)

// Validate checks addr for network and returns the script type it pays to.
// Any failure is a model.ErrInvalidAddress.
func Validate(addr string, net Network) (Kind, error) {
	if addr == "" {
		return "", model.Errorf(model.KindInvalidAddress, "address is required")
	}
	if len(addr) > 90 {
		return "", model.Errorf(model.KindInvalidAddress, "address too long")
	}
	if strings.HasPrefix(strings.ToLower(addr), net.HRP+"1") {
		return validateSegwit(addr, net)
	}
	return validateLegacy(addr, net)
}

func validateLegacy(addr string, net Network) (Kind, error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return "", model.Errorf(model.KindInvalidAddress, "base58check: %v", err)
	}
	if len(payload) != 20 {
		return "", model.Errorf(model.KindInvalidAddress, "hash length %d", len(payload))
	}
	switch version {
	case net.PubKeyHash:
		return P2PKH, nil
	case net.ScriptHash:
		return P2SH, nil
	}
	return "", model.Errorf(model.KindInvalidAddress, "version byte 0x%02x is not valid on %s", version, net.Name)
}

func validateSegwit(addr string, net Network) (Kind, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return "", model.Errorf(model.KindInvalidAddress, "bech32: %v", err)
	}
	if hrp != net.HRP {
		return "", model.Errorf(model.KindInvalidAddress, "prefix %q is not valid on %s", hrp, net.Name)
	}
	if len(data) < 1 || data[0] > 16 {
		return "", model.Errorf(model.KindInvalidAddress, "invalid witness version")
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return "", model.Errorf(model.KindInvalidAddress, "witness program: %v", err)
	}
	if len(program) < 2 || len(program) > 40 {
		return "", model.Errorf(model.KindInvalidAddress, "witness program length %d", len(program))
	}
	if data[0] == 0 && len(program) != 20 && len(program) != 32 {
		return "", model.Errorf(model.KindInvalidAddress, "v0 witness program length %d", len(program))
	}
	return Witness, nil
}
