// Package challengeapi exposes the challenge-verification HTTP surface:
// a client that received a proof-of-work page from the Bot stage submits
// its solution and fingerprint here and, if accepted, receives a signed
// trust token that bypasses Bot classification on subsequent requests.
package challengeapi

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/httputil"
	"github.com/aegis-network/edge/infrastructure/localrate"
	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/infrastructure/middleware"
	"github.com/aegis-network/edge/services/botstage"
	"github.com/aegis-network/edge/services/pipeline"
)

// tokenCookieTTL mirrors the trust token's own ~15 min validity so the
// cookie and the credential it carries expire together.
const tokenCookieTTL = 15 * time.Minute

// Verifier redeems an issued challenge. Satisfied by *botstage.Stage.
type Verifier interface {
	VerifyChallenge(nonce, suffix, clientIP string, fp botstage.FingerprintSignals) (string, error)
}

// Config wires a Server's collaborators.
type Config struct {
	Verifier       Verifier
	TrustedProxies []*net.IPNet
	Logger         *logging.Logger

	// PerIPPerSecond bounds submissions per client IP; VerifyPerSecond
	// bounds total PoW verifications across all clients, since each
	// verification is blocking-pool CPU work. Zero values take defaults.
	PerIPPerSecond  int
	VerifyPerSecond float64
}

// Server handles challenge submissions over http.Handler.
type Server struct {
	verifier     Verifier
	trusted      []*net.IPNet
	logger       *logging.Logger
	verifyBudget *localrate.RateLimiter

	handler http.Handler
}

// New builds a Server with its middleware chain wired: logging, recovery,
// then per-IP rate limiting in front of the verification handler.
func New(cfg Config) *Server {
	perIP := cfg.PerIPPerSecond
	if perIP <= 0 {
		perIP = 5
	}
	budget := cfg.VerifyPerSecond
	if budget <= 0 {
		budget = 200
	}

	s := &Server{
		verifier: cfg.Verifier,
		trusted:  cfg.TrustedProxies,
		logger:   cfg.Logger,
		verifyBudget: localrate.New(localrate.RateLimitConfig{
			RequestsPerSecond: budget,
		}),
	}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.NewRecoveryMiddleware(cfg.Logger).Handler)
	router.Use(middleware.NewRateLimiter(perIP, perIP*2, cfg.Logger).Handler)
	router.HandleFunc("/challenge/verify", s.handleVerify).Methods(http.MethodPost)

	s.handler = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type fingerprintPayload struct {
	Webdriver        bool `json:"webdriver"`
	PluginCount      int  `json:"plugin_count"`
	SoftwareRenderer bool `json:"software_renderer"`
}

type verifyRequest struct {
	Nonce       string             `json:"nonce"`
	Suffix      string             `json:"suffix"`
	Fingerprint fingerprintPayload `json:"fingerprint"`
}

type verifyResponse struct {
	Token         string `json:"token"`
	ExpiresInSecs int    `json:"expires_in_secs"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Nonce == "" || req.Suffix == "" {
		httputil.BadRequest(w, "nonce and suffix are required")
		return
	}

	if !s.verifyBudget.Allow() {
		httputil.ServiceUnavailable(w, "verification capacity exhausted, retry shortly")
		return
	}

	clientIP := httputil.ClientIPTrusting(r, s.trusted)
	token, err := s.verifier.VerifyChallenge(req.Nonce, req.Suffix, clientIP, botstage.FingerprintSignals{
		HeadlessMarker:   req.Fingerprint.Webdriver,
		PluginCount:      req.Fingerprint.PluginCount,
		SoftwareRenderer: req.Fingerprint.SoftwareRenderer,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.LogSecurityEvent(r.Context(), "challenge_rejected", map[string]interface{}{
				"client_ip": clientIP,
				"reason":    err.Error(),
			})
		}
		httputil.WriteError(w, coreerrors.GetHTTPStatus(err), "challenge verification failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     pipeline.TrustTokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokenCookieTTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteJSON(w, http.StatusOK, verifyResponse{
		Token:         token,
		ExpiresInSecs: int(tokenCookieTTL / time.Second),
	})
}
