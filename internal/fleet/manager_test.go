package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeProfiles is an in-memory ProfileStore whose WithLock holds a single
// mutex for the whole store, enough to exercise the serialization
// invariant without a real database.
type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]BotProfile
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: map[string]BotProfile{}}
}

func (f *fakeProfiles) Create(_ context.Context, profile BotProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	f.profiles[profile.ID] = profile
	return nil
}

func (f *fakeProfiles) Get(_ context.Context, id string) (BotProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return BotProfile{}, ErrBotNotFound
	}
	return p, nil
}

func (f *fakeProfiles) ListByTenant(_ context.Context, tenantID string) ([]BotProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BotProfile
	for _, p := range f.profiles {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProfiles) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.profiles[id]; !ok {
		return ErrBotNotFound
	}
	delete(f.profiles, id)
	return nil
}

func (f *fakeProfiles) WithLock(_ context.Context, id string, fn func(BotProfile) (BotProfile, error)) (BotProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.profiles[id]
	if !ok {
		return BotProfile{}, ErrBotNotFound
	}
	next, err := fn(current)
	if err != nil {
		return BotProfile{}, err
	}
	next.ID = id
	f.profiles[id] = next
	return next, nil
}

type fakeInstances struct {
	mu    sync.Mutex
	nodes map[string]string
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{nodes: map[string]string{}}
}

func (f *fakeInstances) NodeFor(_ context.Context, botID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[botID], nil
}

func (f *fakeInstances) SetNode(_ context.Context, botID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[botID] = nodeID
	return nil
}

func (f *fakeInstances) Delete(_ context.Context, botID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, botID)
	return nil
}

type fakeBus struct {
	mu          sync.Mutex
	recreateErr error
	recreates   []NodeCommand
	stops       []string
}

func (b *fakeBus) Recreate(_ context.Context, nodeID string, cmd NodeCommand) DispatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recreates = append(b.recreates, cmd)
	if b.recreateErr != nil {
		return failed(b.recreateErr)
	}
	return dispatched()
}

func (b *fakeBus) Stop(_ context.Context, nodeID, botID string) DispatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, botID)
	return dispatched()
}

func newTestManager() (*Manager, *fakeProfiles, *fakeInstances, *fakeBus) {
	profiles := newFakeProfiles()
	instances := newFakeInstances()
	bus := &fakeBus{}
	return New(profiles, instances, bus, zerolog.Nop()), profiles, instances, bus
}

func TestCreateAssignsIDAndDefaultsEnv(t *testing.T) {
	m, _, _, _ := newTestManager()
	profile, err := m.Create(context.Background(), BotProfile{TenantID: "t1", Name: "support-bot", Image: "wopr/base:stable"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.ID == "" {
		t.Fatal("expected generated id")
	}
	if profile.Env == nil {
		t.Fatal("expected non-nil env map")
	}
}

func TestUpdateWithoutNodeSkipsDispatch(t *testing.T) {
	m, profiles, _, bus := newTestManager()
	_ = profiles.Create(context.Background(), BotProfile{ID: "bot-1", TenantID: "t1", Env: map[string]string{}})

	updated, result, err := m.Update(context.Background(), "bot-1", func(p BotProfile) BotProfile {
		p.Env["WOPR_PLUGINS"] = "wopr-plugin-discord"
		return p
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Dispatched {
		t.Fatal("expected dispatched=true when bot has no placed node")
	}
	if updated.Env["WOPR_PLUGINS"] != "wopr-plugin-discord" {
		t.Fatalf("env not applied: %+v", updated.Env)
	}
	if len(bus.recreates) != 0 {
		t.Fatalf("expected no dispatch calls, got %d", len(bus.recreates))
	}
}

func TestUpdateRecreatesOnPlacedNode(t *testing.T) {
	m, profiles, instances, bus := newTestManager()
	_ = profiles.Create(context.Background(), BotProfile{ID: "bot-1", TenantID: "t1", Image: "wopr/base:stable", Env: map[string]string{}})
	_ = instances.SetNode(context.Background(), "bot-1", "node-7")

	_, result, err := m.Update(context.Background(), "bot-1", func(p BotProfile) BotProfile {
		p.Env["WOPR_PLUGINS"] = "wopr-plugin-slack"
		return p
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Dispatched {
		t.Fatal("expected dispatched=true")
	}
	if len(bus.recreates) != 1 {
		t.Fatalf("expected exactly one recreate dispatch, got %d", len(bus.recreates))
	}
	if bus.recreates[0].Env["WOPR_PLUGINS"] != "wopr-plugin-slack" {
		t.Fatalf("dispatched command missing new env: %+v", bus.recreates[0])
	}
}

func TestUpdateRollsBackOnDispatchFailure(t *testing.T) {
	m, profiles, instances, bus := newTestManager()
	_ = profiles.Create(context.Background(), BotProfile{ID: "bot-1", TenantID: "t1", Image: "wopr/base:stable", Env: map[string]string{"A": "1"}})
	_ = instances.SetNode(context.Background(), "bot-1", "node-7")
	bus.recreateErr = errors.New("connection refused")

	_, result, err := m.Update(context.Background(), "bot-1", func(p BotProfile) BotProfile {
		p.Env["A"] = "2"
		return p
	})
	if err == nil {
		t.Fatal("expected error on dispatch failure")
	}
	if result.Dispatched {
		t.Fatal("expected dispatched=false")
	}

	rolledBack, getErr := profiles.Get(context.Background(), "bot-1")
	if getErr != nil {
		t.Fatalf("unexpected error reading back profile: %v", getErr)
	}
	if rolledBack.Env["A"] != "1" {
		t.Fatalf("expected profile rolled back to pre-write state, got env %+v", rolledBack.Env)
	}
}

func TestConcurrentUpdatesBothApply(t *testing.T) {
	m, profiles, _, _ := newTestManager()
	_ = profiles.Create(context.Background(), BotProfile{ID: "bot-1", TenantID: "t1", Env: map[string]string{}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, _ = m.Update(context.Background(), "bot-1", func(p BotProfile) BotProfile {
			p.Env["WOPR_PLUGINS"] = appendPlugin(p.Env["WOPR_PLUGINS"], "wopr-plugin-discord")
			return p
		})
	}()
	go func() {
		defer wg.Done()
		_, _, _ = m.Update(context.Background(), "bot-1", func(p BotProfile) BotProfile {
			p.Env["WOPR_PLUGINS"] = appendPlugin(p.Env["WOPR_PLUGINS"], "wopr-plugin-slack")
			return p
		})
	}()
	wg.Wait()

	final, err := m.Get(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plugins := final.Env["WOPR_PLUGINS"]
	if !containsAll(plugins, "wopr-plugin-discord", "wopr-plugin-slack") {
		t.Fatalf("expected both concurrent installs to survive, got %q", plugins)
	}
}

func appendPlugin(existing, id string) string {
	if existing == "" {
		return id
	}
	return existing + "," + id
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestDeleteNotFound(t *testing.T) {
	m, _, _, _ := newTestManager()
	if err := m.Delete(context.Background(), "missing"); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("expected ErrBotNotFound, got %v", err)
	}
}

func TestMoveRecreatesOnTargetAndStopsOld(t *testing.T) {
	m, profiles, instances, bus := newTestManager()
	_ = profiles.Create(context.Background(), BotProfile{ID: "bot-1", TenantID: "t1", Image: "wopr/base:stable", Env: map[string]string{}})
	_ = instances.SetNode(context.Background(), "bot-1", "node-old")

	result, err := m.Move(context.Background(), "bot-1", "node-new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Dispatched {
		t.Fatal("expected dispatched=true")
	}
	node, _ := instances.NodeFor(context.Background(), "bot-1")
	if node != "node-new" {
		t.Fatalf("node = %q, want node-new", node)
	}
	if len(bus.stops) != 1 || bus.stops[0] != "bot-1" {
		t.Fatalf("expected old node to receive a stop for bot-1, got %+v", bus.stops)
	}
}
