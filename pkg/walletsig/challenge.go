package walletsig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Challenge is the structured payload a wallet signs. Its JSON encoding is the
// last line of the signed message and is the only part ever parsed back.
type Challenge struct {
	Domain  string `json:"domain"`
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
}

var errMalformedChallenge = errors.New("malformed challenge")

// NewChallenge binds nonce to a lower-cased wallet address and the service domain.
func NewChallenge(domain, address, nonce string) Challenge {
	return Challenge{
		Domain:  domain,
		Address: strings.ToLower(strings.TrimSpace(address)),
		Nonce:   nonce,
	}
}

// Message renders the text presented to the signer. Identical challenges
// always render identical messages.
func (c Challenge) Message() string {
	payload, _ := json.Marshal(c)
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to %s!\n\n", c.Domain)
	b.WriteString("Sign this message to prove you control this wallet.\n")
	b.WriteString("Signing is free and does not send a transaction.\n\n")
	fmt.Fprintf(&b, "Wallet: %s\n", c.Address)
	fmt.Fprintf(&b, "Nonce: %s\n\n", c.Nonce)
	b.Write(payload)
	return b.String()
}

// ParseChallenge decodes the challenge from the final line of a signed
// message. Unknown fields, trailing data and empty members are rejected.
func ParseChallenge(message string) (Challenge, error) {
	idx := strings.LastIndexByte(message, '\n')
	line := message[idx+1:]
	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	dec.DisallowUnknownFields()
	var c Challenge
	if err := dec.Decode(&c); err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", errMalformedChallenge, err)
	}
	if dec.More() {
		return Challenge{}, fmt.Errorf("%w: trailing data", errMalformedChallenge)
	}
	if c.Domain == "" || c.Address == "" || c.Nonce == "" {
		return Challenge{}, fmt.Errorf("%w: missing field", errMalformedChallenge)
	}
	return c, nil
}
