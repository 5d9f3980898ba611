// Package walletsig verifies Ethereum personal_sign (EIP-191) signatures and
// builds the structured challenge wallets sign during authentication.
package walletsig

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const signatureLen = 65

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// HashMessage returns the EIP-191 digest of message:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), []byte(message))
}

// Recover returns the address that produced signature over message.
// The signature is 0x-prefixed hex r||s||v with v in {0, 1, 27, 28}.
func Recover(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != signatureLen {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", signatureLen, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier checks that a message was signed by a claimed wallet.
type Verifier struct{}

// Verify reports whether signature over message recovers to claimedAddress.
// Malformed input yields false, never an error or panic.
func (Verifier) Verify(claimedAddress, message, signature string) bool {
	if !IsAddress(claimedAddress) {
		return false
	}
	signer, err := Recover(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(signer.Hex(), claimedAddress)
}

// Sign produces a personal_sign signature with v in {27, 28}, the form
// browser wallets return.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// AddressOf returns the lower-cased wallet address of key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}
