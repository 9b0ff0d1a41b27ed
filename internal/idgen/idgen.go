// Package idgen mints identifiers and tenant credentials from a
// cryptographically strong random source, per spec.md section 4.5 step 4.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	letters     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits      = "0123456789"
	symbols     = "!@#$%^&*()-_=+"
	alphanumeric = letters + digits
	passwordAlphabet = letters + digits + symbols
)

// AgentID mints a new local agent identity: agent-<12 hex chars>,
// matching supervisor step 4 in spec.md.
func AgentID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint agent id: %w", err)
	}
	return fmt.Sprintf("agent-%x", buf), nil
}

// SSHUsername mints a tenant ssh username of the form tenant-<8 hex chars>.
func SSHUsername() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint ssh username: %w", err)
	}
	return fmt.Sprintf("tenant-%x", buf), nil
}

// SSHPassword mints a >=16 character password from letters+digits+symbols.
func SSHPassword() (string, error) {
	return randomString(20, passwordAlphabet)
}

// JupyterToken mints a >=32 character alphanumeric token.
func JupyterToken() (string, error) {
	return randomString(40, alphanumeric)
}

func randomString(n int, alphabet string) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
