package datum

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

// Network selects the address discriminant baked into every derived address.
type Network byte

const (
	// Testnet addresses carry the "addr_test" prefix.
	Testnet Network = 0
	// Mainnet addresses carry the "addr" prefix.
	Mainnet Network = 1
)

const (
	hrpMainnet = "addr"
	hrpTestnet = "addr_test"

	// Payment-credential header nibbles for enterprise addresses (no
	// delegation part). The service works exclusively with enterprise
	// addresses; both contract and payout addresses are 29 bytes.
	headerKeyEnterprise    = 0x60
	headerScriptEnterprise = 0x70
)

// ErrInvalidAddress describes addresses that fail structural validation.
var ErrInvalidAddress = errors.New("datum: invalid address")

// DeriveContractAddress hashes the validator script and wraps the result in an
// enterprise script address for the given network. The script template is
// fixed; parameterisation happens through the datum, not the script.
func DeriveContractAddress(script []byte, network Network) (string, error) {
	if len(script) == 0 {
		return "", fmt.Errorf("%w: empty script", ErrInvalidAddress)
	}
	hasher, err := blake2b.New(keyHashLen, nil)
	if err != nil {
		return "", err
	}
	hasher.Write(script)
	payload := append([]byte{headerScriptEnterprise | byte(network)}, hasher.Sum(nil)...)
	return encodeAddress(payload, network)
}

// KeyHash computes the 28-byte payment key hash for a verification key.
func KeyHash(verificationKey []byte) ([]byte, error) {
	if len(verificationKey) == 0 {
		return nil, fmt.Errorf("%w: empty verification key", ErrInvalidAddress)
	}
	hasher, err := blake2b.New(keyHashLen, nil)
	if err != nil {
		return nil, err
	}
	hasher.Write(verificationKey)
	return hasher.Sum(nil), nil
}

// EnterpriseAddress wraps a payment key hash in an enterprise key address.
func EnterpriseAddress(keyHash []byte, network Network) (string, error) {
	if len(keyHash) != keyHashLen {
		return "", fmt.Errorf("%w: key hash must be %d bytes", ErrInvalidAddress, keyHashLen)
	}
	payload := append([]byte{headerKeyEnterprise | byte(network)}, keyHash...)
	return encodeAddress(payload, network)
}

// ValidateAddress checks that the supplied bech32 string is a well-formed
// enterprise address for the network. Used to vet researcher payout addresses
// before any release is attempted.
func ValidateAddress(address string, network Network) error {
	_, err := PaymentCredential(address, network)
	return err
}

// PaymentCredential decodes an enterprise address and returns its 28-byte
// payment credential hash.
func PaymentCredential(address string, network Network) ([]byte, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	hrp, data5, err := bech32.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != hrpFor(network) {
		return nil, fmt.Errorf("%w: prefix %q does not match network", ErrInvalidAddress, hrp)
	}
	payload, err := bech32.ConvertBits(data5, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) != 1+keyHashLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidAddress, len(payload), 1+keyHashLen)
	}
	header := payload[0]
	if header&0x0f != byte(network) {
		return nil, fmt.Errorf("%w: network discriminant mismatch", ErrInvalidAddress)
	}
	switch header & 0xf0 {
	case headerKeyEnterprise, headerScriptEnterprise:
	default:
		return nil, fmt.Errorf("%w: unsupported address header %#x", ErrInvalidAddress, header)
	}
	return append([]byte(nil), payload[1:]...), nil
}

func encodeAddress(payload []byte, network Network) (string, error) {
	data5, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrpFor(network), data5)
}

func hrpFor(network Network) string {
	if network == Mainnet {
		return hrpMainnet
	}
	return hrpTestnet
}
