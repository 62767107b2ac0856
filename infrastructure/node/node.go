// Package node holds the two pieces of global, cluster-identity state an
// AEGIS edge node carries: its TLS material and its reporting keypair. Both
// are loaded once at boot and are only ever replaced wholesale (ACME
// renewal, key rotation), never mutated in place, so readers never observe
// a half-updated value.
package node

import (
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
)

// Node is the single-writer/many-reader holder for an edge node's identity.
type Node struct {
	mu sync.RWMutex

	id string

	tlsConfig *tls.Config

	reportingPub  ed25519.PublicKey
	reportingPriv ed25519.PrivateKey

	secrets map[string][]byte
}

// Config seeds a Node at construction time.
type Config struct {
	ID string
}

// New creates an uninitialized Node. Callers must populate TLS material and
// a reporting keypair before the node starts serving traffic.
func New(cfg Config) *Node {
	return &Node{
		id:      cfg.ID,
		secrets: make(map[string][]byte),
	}
}

// ID returns the node's cluster-visible identifier (used as the actor id in
// rate-limit CRDT state and as the issuing-node id in threat-intel gossip).
func (n *Node) ID() string {
	return n.id
}

// TLSConfig returns the currently active TLS configuration, or nil if none
// has been loaded yet (the TLS terminator must refuse to listen in that
// case — see tlsterm).
func (n *Node) TLSConfig() *tls.Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tlsConfig
}

// SetTLSConfig atomically replaces the TLS configuration. Safe to call
// concurrently with readers and with itself (e.g. on ACME renewal).
func (n *Node) SetTLSConfig(cfg *tls.Config) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tlsConfig = cfg
}

// SetReportingKeypair installs the Ed25519 keypair used to sign
// MetricReports, ThreatIntelligence messages, and TrustTokens.
func (n *Node) SetReportingKeypair(pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("node: reporting public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("node: reporting private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reportingPub = pub
	n.reportingPriv = priv
	return nil
}

// ReportingPublicKey returns the node's current reporting public key.
func (n *Node) ReportingPublicKey() ed25519.PublicKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reportingPub
}

// Sign signs data with the node's reporting private key. It returns an
// error rather than panicking when no keypair has been configured, so a
// boot-time misconfiguration surfaces as a Fatal error at startup instead
// of a nil-pointer panic mid-request.
func (n *Node) Sign(data []byte) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.reportingPriv == nil {
		return nil, fmt.Errorf("node: reporting keypair not configured")
	}
	return ed25519.Sign(n.reportingPriv, data), nil
}

// Secret returns a named secret (JWT signing key, header-gate shared
// secret, module public keys) loaded at boot.
func (n *Node) Secret(name string) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.secrets[name]
	return v, ok
}

// SetSecret installs or replaces a named secret.
func (n *Node) SetSecret(name string, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.secrets[name] = value
}
