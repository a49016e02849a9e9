// Package gateway serves the client-facing WebSocket endpoint and the small
// HTTP surface around it: audio artifact retrieval and dead-letter queue
// inspection.
//
// Each WebSocket connection gets one [session] goroutine pair: a read loop
// for incoming client messages and a relay loop that forwards completion
// notices from the connection's pubsub subscription. The dispatcher is the
// sole inserter into the in-flight registry; it never touches results or the
// cache beyond reads.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/readwell/chorus/internal/archive"
	"github.com/readwell/chorus/internal/cache"
	"github.com/readwell/chorus/internal/inflight"
	"github.com/readwell/chorus/internal/observe"
	"github.com/readwell/chorus/internal/pubsub"
	"github.com/readwell/chorus/internal/queue"
	"github.com/readwell/chorus/internal/variant"
)

// userHeader carries the authenticated user identity. Authentication itself
// happens upstream (reverse proxy or middleware); the gateway trusts the
// header.
const userHeader = "X-User-ID"

// Client message types.
const (
	msgSynthesize  = "synthesize"
	msgCursorMoved = "cursor_moved"
)

// clientMessage is the decoded form of every client-to-gateway message. Type
// selects which fields are meaningful.
type clientMessage struct {
	Type string `json:"type"`

	DocumentID string `json:"document_id"`

	// synthesize fields
	BlockIndex    int                `json:"block_index"`
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceID       string             `json:"voice_id"`
	VoiceParams   map[string]float64 `json:"voice_parameters,omitempty"`
	ContextTokens []byte             `json:"context_tokens,omitempty"`

	// cursor_moved fields
	CursorIndex int `json:"cursor_index"`
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithArchive attaches the durable artifact archive. On a cache miss the
// dispatcher consults the archive before enqueueing, and the audio endpoint
// falls back to it.
func WithArchive(arch archive.Store) Option {
	return func(g *Gateway) { g.arch = arch }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithAudioURLBase sets the URL prefix for audio references in status
// messages. Default "/audio".
func WithAudioURLBase(base string) Option {
	return func(g *Gateway) { g.audioURLBase = base }
}

// Gateway is the WebSocket dispatcher plus its HTTP endpoints. Safe for
// concurrent use; each connection runs in its own goroutines.
type Gateway struct {
	store   queue.Store
	cache   cache.Store
	reg     inflight.Registry
	bus     pubsub.Bus
	arch    archive.Store
	models  []string
	metrics *observe.Metrics
	log     *slog.Logger

	audioURLBase string
}

// New creates a [Gateway]. models is the set of model queues synthesize
// requests may target; requests for other models are rejected.
func New(store queue.Store, audioCache cache.Store, reg inflight.Registry, bus pubsub.Bus, models []string, opts ...Option) *Gateway {
	g := &Gateway{
		store:        store,
		cache:        audioCache,
		reg:          reg,
		bus:          bus,
		models:       models,
		audioURLBase: "/audio",
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// Register adds the gateway routes to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /audio/{hash}", g.handleAudio)
	mux.HandleFunc("GET /dlq/{model}", g.handleDLQ)
}

// handleWS upgrades the connection and runs the per-connection session until
// the client disconnects or the server shuts down.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		http.Error(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Warn("websocket accept failed", "err", err)
		return
	}

	sub, err := g.bus.Subscribe(r.Context())
	if err != nil {
		g.log.Error("pubsub subscribe failed", "user_id", userID, "err", err)
		conn.Close(websocket.StatusInternalError, "pubsub unavailable")
		return
	}

	g.metrics.ActiveConnections.Add(r.Context(), 1)
	defer g.metrics.ActiveConnections.Add(r.Context(), -1)

	s := &session{
		gw:      g,
		conn:    conn,
		sub:     sub,
		userID:  userID,
		docs:    make(map[string]bool),
		pending: make(map[pendingKey]bool),
	}
	s.run(r.Context())
}

// handleAudio serves a cached artifact by variant hash. On a cache miss it
// falls back to the archive and re-warms the cache with the artifact.
func (g *Gateway) handleAudio(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")

	entry, err := g.cache.Get(r.Context(), hash)
	if err != nil {
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	if entry != nil {
		serveAudio(w, entry.Audio, entry.AudioDurationMS)
		return
	}

	if g.arch == nil {
		http.NotFound(w, r)
		return
	}
	rec, err := g.arch.Get(r.Context(), hash)
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	if err := g.cache.Put(r.Context(), hash, rec.Audio, rec.AudioDurationMS, rec.ModelID, rec.VoiceID); err != nil {
		g.log.Warn("cache re-warm failed", "variant_hash", hash, "err", err)
	}
	serveAudio(w, rec.Audio, rec.AudioDurationMS)
}

func serveAudio(w http.ResponseWriter, audio []byte, durationMS int64) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Audio-Duration-MS", fmt.Sprintf("%d", durationMS))
	w.Write(audio)
}

// handleDLQ returns the model's dead-letter entries as JSON, oldest first.
// Inspection only; re-enqueueing is a manual operation.
func (g *Gateway) handleDLQ(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	entries, err := g.store.DeadLetters(r.Context(), model)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []queue.DeadLetter{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		g.log.Warn("encode dlq response", "model", model, "err", err)
	}
}

// ─── session ─────────────────────────────────────────────────────────────────

// pendingKey identifies one block a connection is still waiting on.
type pendingKey struct {
	documentID  string
	blockIndex  int
	variantHash string
}

// session is the per-connection state. The read loop and the relay loop share
// it; mu guards docs and pending.
type session struct {
	gw     *Gateway
	conn   *websocket.Conn
	sub    pubsub.Subscription
	userID string

	mu      sync.Mutex
	docs    map[string]bool
	pending map[pendingKey]bool

	writeMu sync.Mutex
}

// run drives the session until the connection or ctx ends. It owns the
// subscription: both are closed on exit, which also unblocks the relay loop.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.sub.Close()
	defer s.conn.Close(websocket.StatusNormalClosure, "session closed")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.relayLoop(ctx)
	}()

	s.readLoop(ctx)
	cancel()
	s.sub.Close()
	<-done
}

// readLoop decodes client messages and dispatches them until the connection
// drops.
func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				s.gw.log.Debug("websocket read ended", "user_id", s.userID, "err", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.gw.log.Warn("malformed client message", "user_id", s.userID, "err", err)
			continue
		}

		switch msg.Type {
		case msgSynthesize:
			s.handleSynthesize(ctx, &msg)
		case msgCursorMoved:
			s.handleCursorMoved(&msg)
		default:
			s.gw.log.Warn("unknown message type", "user_id", s.userID, "type", msg.Type)
		}
	}
}

// relayLoop forwards completion notices to the client. A notice is delivered
// at most once per pending block; notices for blocks the client no longer
// cares about are dropped.
func (s *session) relayLoop(ctx context.Context) {
	for d := range s.sub.C() {
		key := pendingKey{
			documentID:  d.Status.DocumentID,
			blockIndex:  d.Status.BlockIndex,
			variantHash: d.Status.VariantHash,
		}
		s.mu.Lock()
		want := s.pending[key]
		if want {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		if !want {
			continue
		}
		if err := s.writeStatus(ctx, d.Status); err != nil {
			return
		}
	}
}

// handleSynthesize is the dispatch path: hash, subscribe, cache lookup,
// in-flight registration, queue push.
func (s *session) handleSynthesize(ctx context.Context, msg *clientMessage) {
	if msg.DocumentID == "" || msg.Text == "" || msg.ModelID == "" || msg.VoiceID == "" {
		s.reject(ctx, msg, "document_id, text, model_id and voice_id are required")
		return
	}
	if !slices.Contains(s.gw.models, msg.ModelID) {
		s.reject(ctx, msg, "unknown model: "+msg.ModelID)
		return
	}

	hash := variant.Hash(msg.Text, msg.ModelID, msg.VoiceID, msg.VoiceParams)

	if err := s.subscribeDoc(ctx, msg.DocumentID); err != nil {
		s.reject(ctx, msg, "store_unavailable")
		return
	}

	key := pendingKey{documentID: msg.DocumentID, blockIndex: msg.BlockIndex, variantHash: hash}

	if st, ok := s.lookupArtifact(ctx, msg, hash); ok {
		s.writeStatus(ctx, st)
		return
	}

	first, err := s.gw.reg.Register(ctx, hash, inflight.Subscriber{
		UserID:     s.userID,
		DocumentID: msg.DocumentID,
		BlockIndex: msg.BlockIndex,
	})
	if err != nil {
		s.gw.log.Error("in-flight register failed", "variant_hash", hash, "err", err)
		s.reject(ctx, msg, "store_unavailable")
		return
	}

	if first {
		job := queue.Job{
			JobID:         uuid.NewString(),
			VariantHash:   hash,
			DocumentID:    msg.DocumentID,
			BlockIndex:    msg.BlockIndex,
			UserID:        s.userID,
			ModelID:       msg.ModelID,
			VoiceID:       msg.VoiceID,
			VoiceParams:   msg.VoiceParams,
			Text:          variant.NormalizeText(msg.Text),
			ContextTokens: msg.ContextTokens,
			EnqueuedAt:    time.Now(),
		}
		if err := s.gw.store.Push(ctx, msg.ModelID, job); err != nil {
			s.gw.log.Error("queue push failed", "variant_hash", hash, "err", err)
			// Undo the registration so a later request can retry the push.
			if cerr := s.gw.reg.Clear(ctx, hash); cerr != nil {
				s.gw.log.Error("clear in-flight after failed push", "variant_hash", hash, "err", cerr)
			}
			s.reject(ctx, msg, "store_unavailable")
			return
		}
		s.gw.metrics.JobsEnqueued.Add(ctx, 1, metric.WithAttributes(observe.Attr("model", msg.ModelID)))
		s.gw.metrics.InFlightJobs.Add(ctx, 1)
	}

	s.addPending(key)
	s.writeStatus(ctx, pubsub.Status{
		DocumentID:  msg.DocumentID,
		BlockIndex:  msg.BlockIndex,
		VariantHash: hash,
		Status:      pubsub.StateQueued,
		ModelID:     msg.ModelID,
		VoiceID:     msg.VoiceID,
	})
}

// lookupArtifact checks the cache and then the archive for an existing
// artifact. On an archive hit the cache is re-warmed; a duplicate put of the
// same content-addressed bytes is harmless.
func (s *session) lookupArtifact(ctx context.Context, msg *clientMessage, hash string) (pubsub.Status, bool) {
	cached := pubsub.Status{
		DocumentID:  msg.DocumentID,
		BlockIndex:  msg.BlockIndex,
		VariantHash: hash,
		Status:      pubsub.StateCached,
		ModelID:     msg.ModelID,
		VoiceID:     msg.VoiceID,
		AudioURL:    s.gw.audioURLBase + "/" + hash,
	}

	entry, err := s.gw.cache.Get(ctx, hash)
	if err != nil {
		s.gw.log.Warn("cache lookup failed", "variant_hash", hash, "err", err)
		return pubsub.Status{}, false
	}
	s.gw.metrics.RecordCacheLookup(ctx, entry != nil)
	if entry != nil {
		return cached, true
	}

	if s.gw.arch == nil {
		return pubsub.Status{}, false
	}
	rec, err := s.gw.arch.Get(ctx, hash)
	if err != nil {
		s.gw.log.Warn("archive lookup failed", "variant_hash", hash, "err", err)
		return pubsub.Status{}, false
	}
	if rec == nil {
		return pubsub.Status{}, false
	}
	if err := s.gw.cache.Put(ctx, hash, rec.Audio, rec.AudioDurationMS, rec.ModelID, rec.VoiceID); err != nil {
		s.gw.log.Warn("cache re-warm failed", "variant_hash", hash, "err", err)
	}
	return cached, true
}

// handleCursorMoved evicts pending blocks behind the new cursor. Jobs already
// enqueued keep running; their results land in the cache for later reads.
func (s *session) handleCursorMoved(msg *clientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.pending {
		if key.documentID == msg.DocumentID && key.blockIndex < msg.CursorIndex {
			delete(s.pending, key)
		}
	}
}

// subscribeDoc ensures the session's subscription covers the document's done
// channel before any job for it can complete.
func (s *session) subscribeDoc(ctx context.Context, documentID string) error {
	s.mu.Lock()
	already := s.docs[documentID]
	if !already {
		s.docs[documentID] = true
	}
	s.mu.Unlock()
	if already {
		return nil
	}

	if err := s.sub.Add(ctx, pubsub.DoneChannel(s.userID, documentID)); err != nil {
		s.mu.Lock()
		delete(s.docs, documentID)
		s.mu.Unlock()
		return fmt.Errorf("gateway: subscribe %q: %w", documentID, err)
	}
	return nil
}

func (s *session) addPending(key pendingKey) {
	s.mu.Lock()
	s.pending[key] = true
	s.mu.Unlock()
}

// reject sends an error status for the request without touching any shared
// state.
func (s *session) reject(ctx context.Context, msg *clientMessage, reason string) {
	s.writeStatus(ctx, pubsub.Status{
		DocumentID: msg.DocumentID,
		BlockIndex: msg.BlockIndex,
		Status:     pubsub.StateError,
		ModelID:    msg.ModelID,
		VoiceID:    msg.VoiceID,
		Error:      reason,
	})
}

// writeStatus serialises a status message to the client. Writes are
// serialised because the read loop and the relay loop both send.
func (s *session) writeStatus(ctx context.Context, st pubsub.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("gateway: marshal status: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			s.gw.log.Debug("websocket write failed", "user_id", s.userID, "err", err)
		}
		return err
	}
	return nil
}
