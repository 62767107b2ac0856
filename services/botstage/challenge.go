package botstage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
)

// ChallengeRecord is a nonce issued for a proof-of-work challenge,
// bound to the requesting IP and awaiting verification.
type ChallengeRecord struct {
	Nonce          string
	DifficultyBits int
	IssuedAt       time.Time
	ClientIPHash   [32]byte
}

// IssueChallenge creates a new ChallengeRecord bound to clientIP and
// retains it until it is either redeemed via VerifyChallenge or expires.
func (s *Stage) IssueChallenge(clientIP string) ChallengeRecord {
	var nonce [16]byte
	_, _ = rand.Read(nonce[:])
	rec := ChallengeRecord{
		Nonce:          b64(nonce[:]),
		DifficultyBits: s.policy.ChallengeDifficulty,
		IssuedAt:       s.now(),
		ClientIPHash:   hashIP(clientIP),
	}
	s.challenges.Set(context.Background(), rec.Nonce, rec)
	return rec
}

// issueChallengePage renders a minimal HTML page embedding the PoW nonce
// and difficulty; the actual solver script is intentionally out of scope
// here (front-end asset, not core logic) — the page contract is the
// nonce and difficulty values a client-side script must honor.
func (s *Stage) issueChallengePage(clientIP string) []byte {
	rec := s.IssueChallenge(clientIP)
	body := fmt.Sprintf(
		"<!doctype html><html><body data-nonce=%q data-difficulty=%q></body></html>",
		rec.Nonce, strconv.Itoa(rec.DifficultyBits),
	)
	return []byte(body)
}

// VerifyPoW checks that sha256(nonce ∥ suffix) has at least difficultyBits
// leading zero bits.
func VerifyPoW(nonce, suffix string, difficultyBits int) bool {
	sum := sha256.Sum256([]byte(nonce + suffix))
	return leadingZeroBits(sum[:]) >= difficultyBits
}

func leadingZeroBits(b []byte) int {
	total := 0
	for _, by := range b {
		if by == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(by)
		break
	}
	return total
}

// FingerprintSignals is the subset of a browser fingerprint the core
// scores: headless markers, missing plugins, software renderer.
type FingerprintSignals struct {
	HeadlessMarker   bool
	PluginCount      int
	SoftwareRenderer bool
}

// fingerprintRejectThreshold: a score at or above this out of 3 signals
// is rejected as non-human.
const fingerprintRejectThreshold = 2

// ScoreFingerprint returns true if the fingerprint is acceptable
// (consistent with a real browser).
func ScoreFingerprint(sig FingerprintSignals) bool {
	score := 0
	if sig.HeadlessMarker {
		score++
	}
	if sig.PluginCount == 0 {
		score++
	}
	if sig.SoftwareRenderer {
		score++
	}
	return score < fingerprintRejectThreshold
}

// TrustToken is the signed receipt issued after a passed challenge,
// bound to the client's IP and fingerprint hashes.
type TrustToken struct {
	IPHash          [32]byte
	FingerprintHash [32]byte
	Expiry          time.Time
	Signature       []byte
}

// IssueTrustToken signs a TrustToken bound to clientIP and fingerprintHash,
// valid for trustTokenTTL.
func (s *Stage) IssueTrustToken(clientIP string, fingerprintHash [32]byte) (string, error) {
	if s.policy.SigningPriv == nil {
		return "", coreerrors.FatalBoot("trust_token_signing_key", nil)
	}
	tt := TrustToken{
		IPHash:          hashIP(clientIP),
		FingerprintHash: fingerprintHash,
		Expiry:          s.now().Add(trustTokenTTL),
	}
	payload := trustTokenPayload(tt)
	tt.Signature = ed25519.Sign(s.policy.SigningPriv, payload)
	return encodeTrustToken(tt), nil
}

func trustTokenPayload(tt TrustToken) []byte {
	var buf [40]byte
	copy(buf[:32], tt.IPHash[:])
	binary.BigEndian.PutUint64(buf[32:], uint64(tt.Expiry.Unix()))
	payload := make([]byte, 0, 40+32)
	payload = append(payload, buf[:]...)
	payload = append(payload, tt.FingerprintHash[:]...)
	return payload
}

func encodeTrustToken(tt TrustToken) string {
	parts := []string{
		b64(tt.IPHash[:]),
		b64(tt.FingerprintHash[:]),
		strconv.FormatInt(tt.Expiry.Unix(), 10),
		b64(tt.Signature),
	}
	return strings.Join(parts, ".")
}

func decodeTrustToken(s string) (TrustToken, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return TrustToken{}, coreerrors.Invalid("trust_token", "malformed")
	}
	ipHash, err := unb64(parts[0])
	if err != nil || len(ipHash) != 32 {
		return TrustToken{}, coreerrors.Invalid("trust_token", "bad ip hash")
	}
	fpHash, err := unb64(parts[1])
	if err != nil || len(fpHash) != 32 {
		return TrustToken{}, coreerrors.Invalid("trust_token", "bad fingerprint hash")
	}
	expiryUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return TrustToken{}, coreerrors.Invalid("trust_token", "bad expiry")
	}
	sig, err := unb64(parts[3])
	if err != nil {
		return TrustToken{}, coreerrors.Invalid("trust_token", "bad signature")
	}

	var tt TrustToken
	copy(tt.IPHash[:], ipHash)
	copy(tt.FingerprintHash[:], fpHash)
	tt.Expiry = time.Unix(expiryUnix, 0)
	tt.Signature = sig
	return tt, nil
}

// VerifyChallenge redeems an issued challenge: the nonce must have been
// issued to this client IP and not already consumed, the submitted suffix
// must satisfy the proof of work at the difficulty recorded when the
// challenge was issued, and the fingerprint must score as acceptable. On
// success a signed TrustToken bound to the client IP and fingerprint
// hashes is returned. Redemption is single-use: a nonce is consumed even
// when the submission fails, so a solver cannot grind fingerprints
// against one paid-for PoW.
func (s *Stage) VerifyChallenge(nonce, suffix, clientIP string, fp FingerprintSignals) (string, error) {
	v, ok := s.challenges.Get(context.Background(), nonce)
	if !ok {
		return "", coreerrors.Invalid("challenge", "unknown or expired nonce")
	}
	rec, ok := v.(ChallengeRecord)
	if !ok {
		return "", coreerrors.Invalid("challenge", "unknown or expired nonce")
	}
	if !s.replay.ValidateAndMark(nonce) {
		return "", coreerrors.Invalid("challenge", "nonce already redeemed")
	}
	s.challenges.Delete(context.Background(), nonce)

	if !constantTimeIPMatch(rec.ClientIPHash, clientIP) {
		return "", coreerrors.Invalid("challenge", "issued to a different client")
	}
	if !VerifyPoW(rec.Nonce, suffix, rec.DifficultyBits) {
		return "", coreerrors.Invalid("challenge", "proof of work does not meet difficulty")
	}
	if !ScoreFingerprint(fp) {
		return "", coreerrors.Invalid("challenge", "fingerprint rejected")
	}

	fpHash := sha256.Sum256([]byte(fmt.Sprintf("%t|%d|%t", fp.HeadlessMarker, fp.PluginCount, fp.SoftwareRenderer)))
	return s.IssueTrustToken(clientIP, fpHash)
}

// verifyTrustToken checks signature validity, expiry, and constant-time
// IP-hash match against clientIP.
func (s *Stage) verifyTrustToken(encoded, clientIP string) bool {
	tt, err := decodeTrustToken(encoded)
	if err != nil {
		return false
	}
	if s.now().After(tt.Expiry) {
		return false
	}
	if s.policy.SigningPub == nil {
		return false
	}
	if !ed25519.Verify(s.policy.SigningPub, trustTokenPayload(tt), tt.Signature) {
		return false
	}
	return constantTimeIPMatch(tt.IPHash, clientIP)
}
