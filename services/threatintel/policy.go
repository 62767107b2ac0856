package threatintel

import (
	"crypto/ed25519"
	"sync"
	"time"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
)

// ReceiptPolicy is the four-part acceptance test for an inbound
// ThreatIntelligence message: signature, severity, clock skew, duration.
type ReceiptPolicy struct {
	SeverityThreshold int
	ClockSkew         time.Duration
	MaxDuration       time.Duration
}

// DefaultReceiptPolicy allows ±1h clock skew and caps suggested block
// durations at 24h. SeverityThreshold is a local operator choice; 1
// accepts everything.
func DefaultReceiptPolicy() ReceiptPolicy {
	return ReceiptPolicy{
		SeverityThreshold: 1,
		ClockSkew:         time.Hour,
		MaxDuration:       MaxBlockDuration,
	}
}

// KeyRing holds known issuer public keys by node id. A message from an
// unknown issuer is always rejected regardless of signature validity.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRing builds an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// Set installs or replaces the public key for a node id.
func (k *KeyRing) Set(nodeID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[nodeID] = pub
}

// Get resolves a node id's public key.
func (k *KeyRing) Get(nodeID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[nodeID]
	return pub, ok
}

// Accept applies the full receipt policy to msg as observed at now. It returns a *coreerrors.CoreError describing the
// first failed check, or nil if msg should be accepted.
func (p ReceiptPolicy) Accept(msg *ThreatIntelligence, keyring *KeyRing, now time.Time) error {
	pub, ok := keyring.Get(msg.SourceNode)
	if !ok {
		return coreerrors.New(coreerrors.PolicyBlock, "unknown threat-intel issuer").WithDetails("source_node", msg.SourceNode)
	}
	if !msg.Verify(pub) {
		return coreerrors.New(coreerrors.PolicyBlock, "threat-intel signature verification failed").WithDetails("source_node", msg.SourceNode)
	}
	if msg.Severity < p.SeverityThreshold {
		return coreerrors.New(coreerrors.PolicyBlock, "threat-intel severity below local threshold").
			WithDetails("severity", msg.Severity).WithDetails("threshold", p.SeverityThreshold)
	}
	skew := now.Sub(time.Unix(msg.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > p.ClockSkew {
		return coreerrors.New(coreerrors.PolicyBlock, "threat-intel timestamp outside clock-skew window").WithDetails("skew", skew.String())
	}
	duration := time.Duration(msg.BlockDurationSecs) * time.Second
	if duration > p.MaxDuration || duration < 0 {
		return coreerrors.New(coreerrors.PolicyBlock, "threat-intel suggested duration exceeds cap").WithDetails("duration", duration.String())
	}
	return nil
}
