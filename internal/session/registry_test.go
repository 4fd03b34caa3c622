package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siliconchat/internal/config"
	"github.com/siliconchat/internal/conversation"
	"github.com/siliconchat/internal/database"
	"github.com/siliconchat/internal/metrics"
)

var g1 = conversation.Key{Platform: "onebot", ChannelID: "g1"}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.Model = "qwen"
	cfg.Chat.SystemPrompt = "群聊【channelId】"
	return cfg
}

func newHolder(t *testing.T, cfg *config.Config) *config.Holder {
	t.Helper()
	holder, err := config.NewHolder(cfg)
	require.NoError(t, err)
	return holder
}

// countingStore wraps a store and counts Save calls.
type countingStore struct {
	conversation.Store
	saves   atomic.Int32
	loadErr error
	saveErr error
}

func (s *countingStore) Load(ctx context.Context, key conversation.Key) (*conversation.Record, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.Store.Load(ctx, key)
}

func (s *countingStore) Save(ctx context.Context, key conversation.Key, history []conversation.ChatMessage) error {
	s.saves.Add(1)
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, key, history)
}

// ctxStore fails reads once the caller's context is done, the way a
// database driver does.
type ctxStore struct {
	conversation.Store
}

func (s ctxStore) Load(ctx context.Context, key conversation.Key) (*conversation.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Load(ctx, key)
}

func TestResolve_FreshPersistsOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: conversation.NewInMemoryStore()}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry(store, nil, newHolder(t, testConfig()), m)

	h := reg.Resolve(ctx, g1)
	history := h.History()
	require.Len(t, history, 1)
	assert.Equal(t, conversation.RoleSystem, history[0].Role)
	assert.Equal(t, "群聊[g1]", history[0].Content)
	assert.Equal(t, int32(1), store.saves.Load())

	again := reg.Resolve(ctx, g1)
	assert.Same(t, h, again)
	assert.Equal(t, int32(1), store.saves.Load(), "cache hit must not persist")
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionResolutionsTotal.WithLabelValues(SourceFresh)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionResolutionsTotal.WithLabelValues(SourceCache)))
}

func TestResolve_ConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: conversation.NewInMemoryStore()}
	reg := NewRegistry(store, nil, newHolder(t, testConfig()), nil)

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = reg.Resolve(ctx, g1)
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, int32(1), store.saves.Load())
}

func TestResolve_RestoresPersistedHistory(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewInMemoryStore()
	require.NoError(t, store.Save(ctx, g1, []conversation.ChatMessage{
		{Role: conversation.RoleSystem, Content: "restored prompt for [g1]"},
		{Role: conversation.RoleUser, Content: "earlier"},
		{Role: conversation.RoleAssistant, Content: "reply"},
	}))

	counting := &countingStore{Store: store}
	reg := NewRegistry(counting, nil, newHolder(t, testConfig()), nil)
	history := reg.Resolve(ctx, g1).History()

	require.Len(t, history, 3)
	assert.Equal(t, "restored prompt for [g1]", history[0].Content, "existing prompt beats the global template")
	assert.Equal(t, "earlier", history[1].Content)
	assert.Zero(t, counting.saves.Load(), "restore does not persist")
}

func TestResolve_ChannelOverrideBeatsRestoredPrompt(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewInMemoryStore()
	require.NoError(t, store.Save(ctx, g1, []conversation.ChatMessage{
		{Role: conversation.RoleSystem, Content: "old"},
		{Role: conversation.RoleUser, Content: "hi"},
	}))

	cfg := testConfig()
	cfg.Channels = []config.ChannelConfig{{ChannelID: "g1", SystemPrompt: "override 【channelId】"}}
	reg := NewRegistry(store, nil, newHolder(t, cfg), nil)

	assert.Equal(t, "override [g1]", reg.Resolve(ctx, g1).History()[0].Content)
}

func TestResolve_SingleMessageHistoryStartsFresh(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewInMemoryStore()
	require.NoError(t, store.Save(ctx, g1, []conversation.ChatMessage{
		{Role: conversation.RoleSystem, Content: "stale"},
	}))

	reg := NewRegistry(store, nil, newHolder(t, testConfig()), nil)
	assert.Equal(t, "群聊[g1]", reg.Resolve(ctx, g1).History()[0].Content)
}

func TestResolve_StoreErrorsAreSwallowed(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{
		Store:   conversation.NewInMemoryStore(),
		loadErr: errors.New("connection refused"),
		saveErr: errors.New("disk full"),
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry(store, nil, newHolder(t, testConfig()), m)

	h := reg.Resolve(ctx, g1)
	require.NotNil(t, h)
	assert.Len(t, h.History(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PersistFailuresTotal))
}

func TestHandleDo_Serializes(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(conversation.NewInMemoryStore(), nil, newHolder(t, testConfig()), nil)
	h := reg.Resolve(ctx, g1)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Do(func(st *conversation.State) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				st.AppendUser("msg")
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Len(t, h.History(), 9)
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := database.Open(ctx, "sqlite", "", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer db.Close()
	store := conversation.NewSQLStore(db, dialect)
	holder := newHolder(t, testConfig())

	first := NewRegistry(store, nil, holder, nil)
	h := first.Resolve(ctx, g1)
	require.NoError(t, h.Do(func(st *conversation.State) error {
		st.AppendUser(conversation.UserEnvelope("alice", "hello"))
		st.AppendAssistant("hi there", "")
		first.Persist(ctx, st)
		return nil
	}))
	want := h.History()

	// a second registry simulates a restart
	second := NewRegistry(store, nil, holder, nil)
	assert.Equal(t, want, second.Resolve(ctx, g1).History())
}

func TestApply_UpdatesCachedConversations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	holder := newHolder(t, cfg)
	reg := NewRegistry(conversation.NewInMemoryStore(), nil, holder, nil)

	h := reg.Resolve(ctx, g1)
	require.NoError(t, h.Do(func(st *conversation.State) error {
		for i := 0; i < 10; i++ {
			st.AppendUser("m")
		}
		return nil
	}))

	next := *cfg
	next.LLM.Model = "deepseek"
	next.LLM.Temperature = 1.2
	next.Chat.MaxHistory = 6
	next.Channels = []config.ChannelConfig{{ChannelID: "g1", SystemPrompt: "new 【channelId】"}}
	_, err := holder.Reconfigure(&next)
	require.NoError(t, err)

	require.NoError(t, h.Do(func(st *conversation.State) error {
		assert.Equal(t, "deepseek", st.Params().Model)
		assert.InDelta(t, 1.2, st.Params().Temperature, 1e-9)
		assert.Equal(t, "new [g1]", st.SystemPrompt())
		assert.Equal(t, 4, st.Len(), "system plus keep_recent (max_history-3) after collate")
		return nil
	}))
}

func TestResolve_CancelledCallerKeepsHistory(t *testing.T) {
	store := conversation.NewInMemoryStore()
	require.NoError(t, store.Save(context.Background(), g1, []conversation.ChatMessage{
		{Role: conversation.RoleSystem, Content: "prompt"},
		{Role: conversation.RoleUser, Content: "earlier"},
		{Role: conversation.RoleAssistant, Content: "reply"},
	}))
	counting := &countingStore{Store: ctxStore{Store: store}}
	reg := NewRegistry(counting, nil, newHolder(t, testConfig()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	history := reg.Resolve(ctx, g1).History()

	require.Len(t, history, 3)
	assert.Equal(t, "earlier", history[1].Content)
	assert.Zero(t, counting.saves.Load(), "durable history must not be overwritten")
}

func TestResolve_ColonInIDsDoesNotCollide(t *testing.T) {
	ctx := context.Background()
	left := conversation.Key{Platform: "a:b", ChannelID: "c"}
	right := conversation.Key{Platform: "a", ChannelID: "b:c"}
	require.Equal(t, left.String(), right.String())
	assert.NotEqual(t, flightKey(left), flightKey(right))

	reg := NewRegistry(conversation.NewInMemoryStore(), nil, newHolder(t, testConfig()), nil)
	var wg sync.WaitGroup
	var l, r *Handle
	wg.Add(2)
	go func() { defer wg.Done(); l = reg.Resolve(ctx, left) }()
	go func() { defer wg.Done(); r = reg.Resolve(ctx, right) }()
	wg.Wait()

	assert.NotSame(t, l, r)
	assert.Equal(t, left, l.Key())
	assert.Equal(t, right, r.Key())
	assert.Equal(t, 2, reg.Len())
}

func TestApply_DoesNotWaitForBusyConversation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	holder := newHolder(t, cfg)
	reg := NewRegistry(conversation.NewInMemoryStore(), nil, holder, nil)

	busy := reg.Resolve(ctx, conversation.Key{Platform: "onebot", ChannelID: "a"})
	idle := reg.Resolve(ctx, conversation.Key{Platform: "onebot", ChannelID: "b"})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = busy.Do(func(st *conversation.State) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	next := *cfg
	next.LLM.Model = "deepseek"
	reconfigured := make(chan error, 1)
	go func() {
		_, err := holder.Reconfigure(&next)
		reconfigured <- err
	}()

	select {
	case err := <-reconfigured:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("reconfigure blocked behind a running conversation")
	}

	require.NoError(t, idle.Do(func(st *conversation.State) error {
		assert.Equal(t, "deepseek", st.Params().Model)
		return nil
	}))

	close(release)
	<-done
	require.NoError(t, busy.Do(func(st *conversation.State) error {
		assert.Equal(t, "deepseek", st.Params().Model, "busy conversation catches up on its next turn")
		return nil
	}))
}
