// Package spin answers vendor S-PIN challenges.
package spin

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const DefaultStrategy = "sha512-hex-v1"

var (
	ErrNoPIN            = errors.New("s-pin is not configured")
	ErrInvalidPIN       = errors.New("s-pin must be hexadecimal digits")
	ErrInvalidChallenge = errors.New("invalid s-pin challenge")
)

// Signer turns a PIN and a server-issued challenge into the hash the vendor
// expects. Implementations must not retain pin.
type Signer interface {
	Sign(pin, challenge string) (string, error)
}

type SignerFunc func(pin, challenge string) (string, error)

func (f SignerFunc) Sign(pin, challenge string) (string, error) {
	return f(pin, challenge)
}

var (
	mu         sync.RWMutex
	strategies = map[string]Signer{
		DefaultStrategy: SignerFunc(signSHA512Hex),
	}
)

// Register adds a named strategy, replacing any previous one with that name.
func Register(name string, s Signer) {
	mu.Lock()
	defer mu.Unlock()
	strategies[name] = s
}

// Lookup returns a registered strategy; an empty name selects the default.
func Lookup(name string) (Signer, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultStrategy
	}
	mu.RLock()
	defer mu.RUnlock()
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown s-pin strategy %q (known: %s)", name, strings.Join(names(), ", "))
	}
	return s, nil
}

func names() []string {
	out := make([]string, 0, len(strategies))
	for name := range strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sign uses the default strategy.
func Sign(pin, challenge string) (string, error) {
	return signSHA512Hex(pin, challenge)
}

// signSHA512Hex hashes the pin bytes followed by the challenge bytes, both
// read as hex pairs, and returns upper-case hex.
func signSHA512Hex(pin, challenge string) (string, error) {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return "", ErrNoPIN
	}
	challenge = strings.TrimSpace(challenge)
	if challenge == "" {
		return "", ErrInvalidChallenge
	}

	pinBytes, err := hexPairs(pin)
	if err != nil {
		return "", ErrInvalidPIN
	}
	challengeBytes, err := hexPairs(challenge)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}

	h := sha512.New()
	h.Write(pinBytes)
	h.Write(challengeBytes)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// hexPairs decodes two characters at a time; a trailing odd character is
// read as a single nibble value.
func hexPairs(s string) ([]byte, error) {
	out := make([]byte, 0, (len(s)+1)/2)
	for i := 0; i < len(s); i += 2 {
		end := i + 2
		if end > len(s) {
			end = len(s)
		}
		v, err := strconv.ParseUint(s[i:end], 16, 8)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(v))
	}
	return out, nil
}
