// Package botstage classifies each request as human, known-bot, or
// suspicious using user-agent signatures, per-IP
// request-rate windows, and an optional signed trust token from a prior
// challenge pass, then mapping the verdict onto a configured policy
// action.
package botstage

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"regexp"
	"time"

	localcache "github.com/aegis-network/edge/infrastructure/cache"
	"github.com/aegis-network/edge/infrastructure/security"
	"github.com/aegis-network/edge/services/pipeline"
)

// Verdict classifies the requester.
type Verdict string

const (
	VerdictHuman      Verdict = "human"
	VerdictKnownBot   Verdict = "known_bot"
	VerdictSuspicious Verdict = "suspicious"
)

// Action is the configured policy response to a Verdict.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionLog       Action = "log"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// trustTokenTTL bounds how long a passed challenge stays valid.
const trustTokenTTL = 15 * time.Minute

// challengeTTL bounds how long an issued, unsolved challenge stays
// redeemable. Stale records expire out of the local cache on their own.
const challengeTTL = 5 * time.Minute

// knownBotSignatures are built-in user-agent substrings for clients that
// announce themselves as non-human: crawlers and generic script clients
// alike. Self-identification is what distinguishes a known bot from a
// suspicious client; the policy decides what happens to each.
var knownBotSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)googlebot`),
	regexp.MustCompile(`(?i)bingbot`),
	regexp.MustCompile(`(?i)duckduckbot`),
	regexp.MustCompile(`(?i)baiduspider`),
	regexp.MustCompile(`(?i)yandexbot`),
	regexp.MustCompile(`(?i)curl/`),
	regexp.MustCompile(`(?i)wget/`),
	regexp.MustCompile(`(?i)python-requests`),
	regexp.MustCompile(`(?i)go-http-client`),
}

// suspiciousSignatures flag clients pretending to be browsers while
// carrying automation markers, plus the client that sends nothing at all.
var suspiciousSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)headlesschrome`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`^$`), // empty User-Agent
}

// RateWindowChecker is the read-only view of the distributed rate-limit
// store the Bot stage needs: whether a resource id has exceeded a
// threshold. Satisfied by services/ratelimit.Store.
type RateWindowChecker interface {
	Exceeds(resourceID string, threshold uint64) bool
}

// Policy configures Stage's behavior.
type Policy struct {
	DefaultAction       Action
	KnownBotAction      Action
	SuspiciousAction    Action
	RateThresholdPerMin uint64
	ChallengeDifficulty int // leading zero bits required on the PoW hash
	SigningPub          ed25519.PublicKey
	SigningPriv         ed25519.PrivateKey
}

// DefaultPolicy is the stock classification policy.
func DefaultPolicy() Policy {
	return Policy{
		DefaultAction:       ActionAllow,
		KnownBotAction:      ActionAllow,
		SuspiciousAction:    ActionChallenge,
		RateThresholdPerMin: 600,
		ChallengeDifficulty: 20,
	}
}

// Stage is the pipeline.Stage implementation for Bot classification.
type Stage struct {
	policy     Policy
	rates      RateWindowChecker
	replay     *security.ReplayProtection
	challenges *localcache.TTLCache
	now        func() time.Time
}

// New constructs a Bot Stage. rates may be nil, in which case rate-window
// verdicts never fire (degrades to signature + token classification only
// — fail-open when the distributed counter is unavailable).
func New(policy Policy, rates RateWindowChecker) *Stage {
	return &Stage{
		policy:     policy,
		rates:      rates,
		replay:     security.NewReplayProtectionWithMaxSize(challengeTTL, 100000, nil),
		challenges: localcache.NewTTLCache(challengeTTL),
		now:        time.Now,
	}
}

func (s *Stage) Name() string { return pipeline.StageBot }

// Handle classifies ctx and applies the configured policy action.
func (s *Stage) Handle(ctx *pipeline.ProxyContext) pipeline.Result {
	if token, ok := ctx.Get("trust_token"); ok {
		if tt, ok := token.(string); ok && s.verifyTrustToken(tt, ctx.ClientIP) {
			ctx.Set("bot_verdict", VerdictHuman)
			return pipeline.ContinueResult()
		}
	}

	ua, _ := ctx.Get("user_agent")
	uaStr, _ := ua.(string)

	verdict := s.classifyUA(uaStr)
	if verdict == VerdictHuman && s.rates != nil && s.policy.RateThresholdPerMin > 0 {
		if s.rates.Exceeds("ip:"+ctx.ClientIP, s.policy.RateThresholdPerMin) {
			verdict = VerdictSuspicious
		}
	}
	ctx.Set("bot_verdict", verdict)

	action := s.actionFor(verdict)
	switch action {
	case ActionBlock:
		return pipeline.Deny(http.StatusForbidden, "bot_blocked")
	case ActionChallenge:
		return pipeline.ShortCircuit(http.StatusOK, challengeHeaders(), s.issueChallengePage(ctx.ClientIP), "bot_challenge")
	default:
		return pipeline.ContinueResult()
	}
}

func (s *Stage) actionFor(v Verdict) Action {
	switch v {
	case VerdictKnownBot:
		return s.policy.KnownBotAction
	case VerdictSuspicious:
		return s.policy.SuspiciousAction
	default:
		return s.policy.DefaultAction
	}
}

func (s *Stage) classifyUA(ua string) Verdict {
	for _, re := range knownBotSignatures {
		if re.MatchString(ua) {
			return VerdictKnownBot
		}
	}
	for _, re := range suspiciousSignatures {
		if re.MatchString(ua) {
			return VerdictSuspicious
		}
	}
	return VerdictHuman
}

func challengeHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return h
}

func hashIP(ip string) [32]byte {
	return sha256.Sum256([]byte(ip))
}

func constantTimeIPMatch(boundHash [32]byte, ip string) bool {
	got := hashIP(ip)
	return subtle.ConstantTimeCompare(boundHash[:], got[:]) == 1
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
