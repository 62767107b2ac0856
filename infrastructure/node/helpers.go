package node

import "fmt"

// RequireSecret loads a named secret from the Node, enforcing a minimum
// byte length. When strict is true and the secret is missing or too short,
// an error is returned so the caller can fail startup instead of falling
// back to an insecure default. When strict is false, a missing secret
// returns (nil, false, nil) so the caller can apply a development-mode
// fallback.
func RequireSecret(n *Node, name string, minLen int, strict bool) ([]byte, bool, error) {
	if n == nil {
		if strict {
			return nil, false, fmt.Errorf("%s: node is nil", name)
		}
		return nil, false, nil
	}

	value, ok := n.Secret(name)
	if ok && len(value) >= minLen {
		return value, true, nil
	}

	if strict {
		return nil, false, fmt.Errorf("%s is required and must be at least %d bytes", name, minLen)
	}

	return nil, false, nil
}
