package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/logging"
)

const (
	streamName          = "AEGIS_STATE"
	subjectPrefix       = "aegis.state.counter."
	compactionThreshold = 1024 // bytes of serialized counter state
)

// Operation is the payload published to the AEGIS_STATE stream: a single
// actor's observed increment for one resource.
type Operation struct {
	ActorID     string `json:"actor_id"`
	ResourceID  string `json:"resource_id"`
	Kind        string `json:"kind"` // always "increment" today; future-proofs the wire format
	Value       uint64 `json:"value"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Store holds one Counter per resource id and keeps them converged across
// nodes over a JetStream stream.
type Store struct {
	actorID string
	window  time.Duration

	mu        sync.RWMutex
	counters  map[string]*Counter
	windowEnd map[string]time.Time

	js     nats.JetStreamContext
	logger *logging.Logger
}

// Config configures a Store.
type Config struct {
	ActorID string
	Window  time.Duration
}

// New constructs a Store bound to js (already configured with the
// AEGIS_STATE stream) for convergence publish/subscribe.
func New(cfg Config, js nats.JetStreamContext, logger *logging.Logger) (*Store, error) {
	if cfg.ActorID == "" {
		return nil, coreerrors.Invalid("actor_id", "must not be empty")
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	s := &Store{
		actorID:   cfg.ActorID,
		window:    cfg.Window,
		counters:  make(map[string]*Counter),
		windowEnd: make(map[string]time.Time),
		js:        js,
		logger:    logger,
	}
	return s, nil
}

// EnsureStream creates the AEGIS_STATE durable stream if it does not
// already exist, retaining messages for at least an hour.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + "*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Hour,
	})
	if err != nil {
		return coreerrors.FatalBoot("create AEGIS_STATE stream", err)
	}
	return nil
}

// Subscribe starts a durable JetStream consumer that merges every
// observed increment (including this node's own republished ones, which
// are no-ops thanks to G-Counter idempotence) into local counter state.
func (s *Store) Subscribe(ctx context.Context) error {
	sub, err := s.js.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		var op Operation
		if err := json.Unmarshal(msg.Data, &op); err != nil {
			_ = msg.Nak()
			return
		}
		s.mergeOperation(op)
		_ = msg.Ack()
	}, nats.Durable("aegis-ratelimit-"+s.actorID), nats.ManualAck())
	if err != nil {
		return coreerrors.TransientUpstream("ratelimit_subscribe", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (s *Store) mergeOperation(op Operation) {
	s.mu.Lock()
	counter, ok := s.counters[op.ResourceID]
	if !ok {
		counter = NewCounter()
		s.counters[op.ResourceID] = counter
	}
	s.mu.Unlock()

	counter.Merge(map[string]uint64{op.ActorID: op.Value})
	s.maybeCompact(op.ResourceID, counter)
}

// Increment applies a local increment to resourceID and publishes it for
// cross-node convergence. The local increment is visible immediately
// regardless of publish outcome; stream backpressure only delays the
// publish, which is retried asynchronously.
func (s *Store) Increment(ctx context.Context, resourceID string, n uint64) {
	s.mu.Lock()
	counter, ok := s.counters[resourceID]
	if !ok {
		counter = NewCounter()
		s.counters[resourceID] = counter
	}
	end, hasWindow := s.windowEnd[resourceID]
	now := time.Now()
	if !hasWindow || now.After(end) {
		counter.Reset()
		s.windowEnd[resourceID] = now.Add(s.window)
	}
	s.mu.Unlock()

	counter.Increment(s.actorID, n)
	s.publishAsync(resourceID, counter.Snapshot()[s.actorID])
}

func (s *Store) publishAsync(resourceID string, localValue uint64) {
	op := Operation{
		ActorID:     s.actorID,
		ResourceID:  resourceID,
		Kind:        "increment",
		Value:       localValue,
		TimestampMs: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(op)
	if err != nil {
		return
	}
	subject := subjectPrefix + s.actorID
	go func() {
		if _, err := s.js.Publish(subject, data); err != nil && s.logger != nil {
			s.logger.WithError(err).Warn("ratelimit: publish failed, will retry on next increment")
		}
	}()
}

// Total returns the converged total for resourceID across all known
// actors, or 0 if the resource has never been incremented by anyone this
// node has seen.
func (s *Store) Total(resourceID string) uint64 {
	s.mu.RLock()
	counter, ok := s.counters[resourceID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return counter.Total()
}

// Exceeds reports whether resourceID's converged total is >= threshold.
func (s *Store) Exceeds(resourceID string, threshold uint64) bool {
	return s.Total(resourceID) >= threshold
}

func (s *Store) maybeCompact(resourceID string, counter *Counter) {
	if counter.SerializedSize() <= compactionThreshold {
		return
	}
	counter.Compact(s.actorID)
}

// ActorID returns this node's actor id, used by callers constructing
// subjects or logging.
func (s *Store) ActorID() string {
	return s.actorID
}

// ResourceCount reports how many distinct resources this store is
// tracking, for diagnostics/admin API.
func (s *Store) ResourceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}

// ActorCounts reports, per resource id, how many distinct actors have
// contributed to its converged total. For the operator read-only surface.
func (s *Store) ActorCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.counters))
	for resourceID, counter := range s.counters {
		out[resourceID] = counter.ActorCount()
	}
	return out
}
