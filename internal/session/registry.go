// Package session owns the live conversations, one per channel.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/siliconchat/internal/config"
	"github.com/siliconchat/internal/conversation"
	"github.com/siliconchat/internal/metrics"
)

// Resolution sources, also used as metric labels.
const (
	SourceCache    = "cache"
	SourceRestored = "restored"
	SourceFresh    = "fresh"
)

// Persister writes a conversation checkpoint. The synchronous implementation
// writes straight to a conversation.Store; jobqueue provides a queued one.
type Persister interface {
	Persist(ctx context.Context, key conversation.Key, history []conversation.ChatMessage) error
}

// StorePersister persists synchronously through a conversation.Store.
type StorePersister struct {
	Store conversation.Store
}

func (p StorePersister) Persist(ctx context.Context, key conversation.Key, history []conversation.ChatMessage) error {
	return p.Store.Save(ctx, key, history)
}

// Handle is a cached conversation together with the lock that serializes
// work on it. Configuration changes are parked in pending and applied by the
// next holder of the lock, so a reconfigure never waits on a running call.
type Handle struct {
	key     conversation.Key
	pending atomic.Pointer[config.Snapshot]

	mu      sync.Mutex
	state   *conversation.State
	version int
}

func newHandle(st *conversation.State, version int) *Handle {
	return &Handle{key: st.Key(), state: st, version: version}
}

// Key is fixed at creation and safe to read without the lock.
func (h *Handle) Key() conversation.Key {
	return h.key
}

// Do runs fn with exclusive access to the conversation. A whole
// append, send and record sequence belongs in one call.
func (h *Handle) Do(fn func(st *conversation.State) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applyPending()
	return fn(h.state)
}

// History returns a copy of the current messages.
func (h *Handle) History() []conversation.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applyPending()
	return h.state.History()
}

// offer parks snap unless a newer snapshot is already waiting.
func (h *Handle) offer(snap *config.Snapshot) {
	for {
		cur := h.pending.Load()
		if cur != nil && cur.Version >= snap.Version {
			return
		}
		if h.pending.CompareAndSwap(cur, snap) {
			return
		}
	}
}

// applyPending must be called with h.mu held.
func (h *Handle) applyPending() {
	snap := h.pending.Swap(nil)
	if snap == nil || snap.Version <= h.version {
		return
	}
	id := h.key.ChannelID
	h.state.SetParams(conversation.ParamsFor(snap, id))
	h.state.SetPolicy(conversation.PolicyFor(snap))
	h.state.SetSystemPrompt(conversation.SystemPromptFor(snap, id, h.state.SystemPrompt()))
	h.version = snap.Version
}

// Registry resolves channel keys to handles, restoring persisted histories
// on first use.
type Registry struct {
	mu      sync.Mutex
	handles map[conversation.Key]*Handle
	group   singleflight.Group

	store     conversation.Store
	persister Persister
	holder    *config.Holder
	metrics   *metrics.Metrics
}

// NewRegistry builds a registry and subscribes it to configuration changes.
// A nil persister persists synchronously through store.
func NewRegistry(store conversation.Store, persister Persister, holder *config.Holder, m *metrics.Metrics) *Registry {
	if persister == nil {
		persister = StorePersister{Store: store}
	}
	r := &Registry{
		handles:   make(map[conversation.Key]*Handle),
		store:     store,
		persister: persister,
		holder:    holder,
		metrics:   m,
	}
	holder.Subscribe(r.Apply)
	return r
}

// Resolve returns the handle for key. It never fails: store errors are logged
// and a fresh conversation is used instead.
func (r *Registry) Resolve(ctx context.Context, key conversation.Key) *Handle {
	if h := r.cached(key); h != nil {
		r.metrics.SessionResolved(SourceCache, r.Len())
		return h
	}

	v, _, _ := r.group.Do(flightKey(key), func() (interface{}, error) {
		// a concurrent caller may have finished while we waited on the group
		if h := r.cached(key); h != nil {
			return h, nil
		}
		h, source := r.load(ctx, key)

		r.mu.Lock()
		r.handles[key] = h
		active := len(r.handles)
		r.mu.Unlock()

		// a reconfigure that ran during the load did not see this handle
		h.offer(r.holder.Current())

		r.metrics.SessionResolved(source, active)
		log.Info().Str("channel", key.String()).Str("source", source).Msg("conversation resolved")
		return h, nil
	})
	return v.(*Handle)
}

// flightKey encodes key without the ambiguity of Key.String when an id
// contains ':'.
func flightKey(key conversation.Key) string {
	return strconv.Quote(key.Platform) + strconv.Quote(key.ChannelID)
}

func (r *Registry) cached(key conversation.Key) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[key]
}

// load ignores the caller's cancellation. A cancelled read would look like a
// missing record, and the fresh checkpoint would overwrite the stored one.
func (r *Registry) load(ctx context.Context, key conversation.Key) (*Handle, string) {
	ctx = context.WithoutCancel(ctx)
	snap := r.holder.Current()
	params := conversation.ParamsFor(snap, key.ChannelID)
	policy := conversation.PolicyFor(snap)

	rec, err := r.store.Load(ctx, key)
	switch {
	case err == nil && len(rec.History) > 1:
		st := conversation.RestoreState(key, rec.History, params, policy)
		st.SetSystemPrompt(conversation.SystemPromptFor(snap, key.ChannelID, st.SystemPrompt()))
		return newHandle(st, snap.Version), SourceRestored
	case err != nil && !errors.Is(err, conversation.ErrNotFound):
		r.metrics.PersistFailed()
		log.Warn().Err(err).Str("channel", key.String()).Msg("failed to restore conversation, starting fresh")
	}

	st := conversation.NewState(key, conversation.SystemPromptFor(snap, key.ChannelID, ""), params, policy)
	r.Persist(ctx, st)
	return newHandle(st, snap.Version), SourceFresh
}

// Persist checkpoints st. Call it from inside Handle.Do. Failures are logged
// and swallowed.
func (r *Registry) Persist(ctx context.Context, st *conversation.State) {
	if err := r.persister.Persist(ctx, st.Key(), st.History()); err != nil {
		r.metrics.PersistFailed()
		log.Warn().Err(err).Str("channel", st.Key().String()).Msg("failed to persist conversation")
	}
}

// Apply pushes a new snapshot to every cached conversation: request params,
// trim policy and the re-resolved system prompt. Idle conversations are
// updated at once; busy ones pick the snapshot up on their next Do.
func (r *Registry) Apply(snap *config.Snapshot) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	deferred := 0
	for _, h := range handles {
		h.offer(snap)
		if !h.mu.TryLock() {
			deferred++
			log.Debug().Str("channel", h.Key().String()).Int("version", snap.Version).Msg("conversation busy, reconfigure deferred")
			continue
		}
		h.applyPending()
		h.mu.Unlock()
	}
	log.Info().Int("conversations", len(handles)).Int("deferred", deferred).Int("version", snap.Version).Msg("cached conversations reconfigured")
}

// Len is the number of cached conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
