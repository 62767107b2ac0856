// Package threatintel implements a signed, gossiped feed of blocklist
// additions that keeps the kernel blocklist map converged
// across nodes without central coordination, plus the durable store and
// startup convergence replay that make accepted entries survive a restart.
package threatintel

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
)

// MaxSeverity/MinSeverity bound the severity scale.
const (
	MinSeverity = 1
	MaxSeverity = 10

	// MaxBlockDuration is the cap on a gossiped message's suggested block
	// duration.
	MaxBlockDuration = 24 * time.Hour
)

// ThreatIntelligence is the wire message gossiped on the
// aegis-threat-intel topic.
type ThreatIntelligence struct {
	IP                string `json:"ip"`
	ThreatType        string `json:"threat_type"`
	Severity          int    `json:"severity"`
	Timestamp         int64  `json:"timestamp"`
	BlockDurationSecs int64  `json:"block_duration_secs"`
	SourceNode        string `json:"source_node"`
	Description       string `json:"description,omitempty"`
	Signature         []byte `json:"signature"`
}

// signingFields is ThreatIntelligence minus Signature, marshaled to build
// the canonical bytes a signature covers. Go's encoding/json emits struct
// fields in declaration order, so this is stable across processes.
type signingFields struct {
	IP                string `json:"ip"`
	ThreatType        string `json:"threat_type"`
	Severity          int    `json:"severity"`
	Timestamp         int64  `json:"timestamp"`
	BlockDurationSecs int64  `json:"block_duration_secs"`
	SourceNode        string `json:"source_node"`
	Description       string `json:"description,omitempty"`
}

func (t *ThreatIntelligence) canonicalBytes() ([]byte, error) {
	return json.Marshal(signingFields{
		IP:                t.IP,
		ThreatType:        t.ThreatType,
		Severity:          t.Severity,
		Timestamp:         t.Timestamp,
		BlockDurationSecs: t.BlockDurationSecs,
		SourceNode:        t.SourceNode,
		Description:       t.Description,
	})
}

// Signer signs the canonical bytes of a ThreatIntelligence message. Node
// satisfies this with its reporting keypair.
type Signer interface {
	ID() string
	Sign(data []byte) ([]byte, error)
}

// New builds and signs a ThreatIntelligence message as this node's issuer.
func New(signer Signer, ip, threatType string, severity int, duration time.Duration, description string) (*ThreatIntelligence, error) {
	if duration > MaxBlockDuration {
		duration = MaxBlockDuration
	}
	t := &ThreatIntelligence{
		IP:                ip,
		ThreatType:        threatType,
		Severity:          severity,
		Timestamp:         time.Now().Unix(),
		BlockDurationSecs: int64(duration / time.Second),
		SourceNode:        signer.ID(),
		Description:       description,
	}
	canonical, err := t.canonicalBytes()
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.BadInput, "marshal threat intelligence message", err)
	}
	sig, err := signer.Sign(canonical)
	if err != nil {
		return nil, coreerrors.FatalBoot("sign threat intelligence message", err)
	}
	t.Signature = sig
	return t, nil
}

// Verify checks t's signature against pub. It does not apply the rest of
// the receipt policy (severity threshold, clock skew, duration cap) — see
// ReceiptPolicy.Accept for that.
func (t *ThreatIntelligence) Verify(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(t.Signature) != ed25519.SignatureSize {
		return false
	}
	canonical, err := t.canonicalBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, canonical, t.Signature)
}

// Expiry returns the wall-clock time this message's block directive
// expires, relative to when it was received (now), capped at
// MaxBlockDuration regardless of what the message claims.
func (t *ThreatIntelligence) Expiry(now time.Time) time.Time {
	d := time.Duration(t.BlockDurationSecs) * time.Second
	if d > MaxBlockDuration {
		d = MaxBlockDuration
	}
	if d < 0 {
		d = 0
	}
	return now.Add(d)
}

// Marshal/Unmarshal are thin wrappers kept alongside the type so bus.go
// and tests don't reach for encoding/json directly.

func Marshal(t *ThreatIntelligence) ([]byte, error) {
	return json.Marshal(t)
}

func Unmarshal(data []byte) (*ThreatIntelligence, error) {
	var t ThreatIntelligence
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, coreerrors.Wrap(coreerrors.BadInput, "unmarshal threat intelligence message", err)
	}
	return &t, nil
}
