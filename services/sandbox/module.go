// Package sandbox implements the Edge-Modules stage: it executes zero or
// more signed, resource-limited modules bound to a route. Modules are JS
// source executed with goja.
//
// Modules are indexed by a string module id in a Registry, never by raw
// pointer. A module calling a host capability that touches the pipeline
// cache never holds a back-reference to the pipeline itself.
package sandbox

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/dop251/goja"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
)

// Limits are the per-invocation resource caps enforced on a module.
type Limits struct {
	MemoryBytes int64 // advisory; goja exposes no hard heap cap
	FuelSteps   int64 // host-call budget standing in for an instruction count
	WallClock   time.Duration
}

// DefaultLimits returns the standard per-module caps.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 50 << 20,
		FuelSteps:   100000,
		WallClock:   50 * time.Millisecond,
	}
}

// Module is a signed, compiled module: content-addressed, verified at
// load time, and bounded by its Limits on every invocation.
type Module struct {
	ID         string // content hash, hex-encoded
	PublicKey  ed25519.PublicKey
	Signature  []byte
	Source     []byte
	EntryPoint string
	Limits     Limits

	program *goja.Program
}

// ContentHash returns the hex-encoded SHA-256 of b, used as a Module's
// content-addressed id.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyModule checks that sig is a valid Ed25519 signature over the
// module's raw bytes under pub. Any mismatch is a load-time error, never
// a request-time fault.
func VerifyModule(source []byte, pub ed25519.PublicKey, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return coreerrors.New(coreerrors.ModuleFault, "module public key has wrong size")
	}
	if len(sig) != ed25519.SignatureSize {
		return coreerrors.New(coreerrors.ModuleFault, "module signature has wrong size")
	}
	if !ed25519.Verify(pub, source, sig) {
		return coreerrors.New(coreerrors.ModuleFault, "module signature verification failed")
	}
	return nil
}

// Registry is the many-reader/one-writer map from module id to compiled
// Module. The pipeline and every module's host calls resolve modules by
// id through this registry, never through a direct reference to another
// module.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Load verifies source against pub/sig, compiles it, and installs it
// under its content hash. A signature or hash mismatch returns an error
// and the registry is left untouched: a failed load never blocks
// requests, it simply means that module id resolves to nothing.
func (r *Registry) Load(source []byte, pub ed25519.PublicKey, sig []byte, entryPoint string, limits Limits) (*Module, error) {
	if err := VerifyModule(source, pub, sig); err != nil {
		return nil, err
	}

	program, err := goja.Compile("module.js", string(source), true)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ModuleFault, "module failed to compile", err)
	}

	if entryPoint == "" {
		entryPoint = "handle"
	}
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}

	m := &Module{
		ID:         ContentHash(source),
		PublicKey:  pub,
		Signature:  sig,
		Source:     source,
		EntryPoint: entryPoint,
		Limits:     limits,
		program:    program,
	}

	r.mu.Lock()
	r.modules[m.ID] = m
	r.mu.Unlock()
	return m, nil
}

// Get resolves a module id to its compiled Module. The bool is false if
// the id was never loaded (or failed verification) — callers treat a miss
// as "nothing to invoke", never as an error that blocks the request.
func (r *Registry) Get(id string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// Remove evicts a module id, e.g. on a RouteConfig reload that drops the
// reference.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, id)
}

// Len reports how many modules are currently loaded, for the admin API.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// IDs returns every currently loaded module id, for the admin API.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	return ids
}
