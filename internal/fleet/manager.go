package fleet

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Manager implements the six Fleet Manager operations from spec.md
// §4.8: create, update, delete, get, listByTenant, move.
type Manager struct {
	profiles  ProfileStore
	instances InstanceStore
	bus       NodeTransport
	logger    zerolog.Logger
}

// New builds a Manager over the given stores and transport.
func New(profiles ProfileStore, instances InstanceStore, bus NodeTransport, logger zerolog.Logger) *Manager {
	return &Manager{profiles: profiles, instances: instances, bus: bus, logger: logger}
}

// Create persists a new bot profile. The caller is responsible for
// scheduling it onto a node (e.g. via a separate placement step) — this
// just records desired state.
func (m *Manager) Create(ctx context.Context, profile BotProfile) (BotProfile, error) {
	if profile.Env == nil {
		profile.Env = map[string]string{}
	}
	if err := m.profiles.Create(ctx, profile); err != nil {
		return BotProfile{}, err
	}
	return m.profiles.Get(ctx, profile.ID)
}

func (m *Manager) Get(ctx context.Context, id string) (BotProfile, error) {
	return m.profiles.Get(ctx, id)
}

func (m *Manager) ListByTenant(ctx context.Context, tenantID string) ([]BotProfile, error) {
	return m.profiles.ListByTenant(ctx, tenantID)
}

// Delete removes the profile and commands its current node to stop the
// container. The stop command is best-effort: a dispatch failure doesn't
// block deletion, since the profile — the authoritative intent — is
// already gone.
func (m *Manager) Delete(ctx context.Context, id string) error {
	nodeID, err := m.instances.NodeFor(ctx, id)
	if err != nil && err != ErrBotNotFound {
		return err
	}
	if err := m.profiles.Delete(ctx, id); err != nil {
		return err
	}
	if nodeID != "" {
		if res := m.bus.Stop(ctx, nodeID, id); !res.Dispatched {
			m.logger.Warn().Str("bot_id", id).Str("node_id", nodeID).Str("error", res.DispatchError).
				Msg("fleet: stop dispatch failed, reconciliation loop will retry")
		}
		_ = m.instances.Delete(ctx, id)
	}
	return nil
}

// Update applies patch to the profile's current state under the
// profile's row lock (preventing two concurrent installs from clobbering
// each other, spec.md §4.8/§8), writes it, and commands the current node
// to recreate the container with the new environment. If the node is
// never reachable — dispatch itself fails — the write is rolled back
// and the pre-patch error surfaces to the caller; a dispatch that is
// accepted by the node is not rolled back even if the node later fails
// to apply it, since that failure is invisible to a fire-and-forget
// call and is left to reconciliation.
func (m *Manager) Update(ctx context.Context, id string, patch func(BotProfile) BotProfile) (BotProfile, DispatchResult, error) {
	var before BotProfile

	updated, err := m.profiles.WithLock(ctx, id, func(current BotProfile) (BotProfile, error) {
		before = current
		next := patch(current)
		if next.Env == nil {
			next.Env = map[string]string{}
		}
		return next, nil
	})
	if err != nil {
		return BotProfile{}, DispatchResult{}, err
	}

	nodeID, err := m.instances.NodeFor(ctx, id)
	if err != nil && err != ErrBotNotFound {
		return BotProfile{}, DispatchResult{}, err
	}
	if nodeID == "" {
		// Not yet placed on a node: nothing to recreate, the write stands.
		return updated, DispatchResult{Dispatched: true}, nil
	}

	result := m.bus.Recreate(ctx, nodeID, NodeCommand{
		BotID:         updated.ID,
		Image:         updated.Image,
		Env:           updated.Env,
		RestartPolicy: updated.RestartPolicy,
	})
	if !result.Dispatched {
		if _, rollbackErr := m.profiles.WithLock(ctx, id, func(BotProfile) (BotProfile, error) {
			return before, nil
		}); rollbackErr != nil {
			m.logger.Error().Err(rollbackErr).Str("bot_id", id).
				Msg("fleet: rollback after failed dispatch also failed, profile may be inconsistent")
		}
		return before, result, fmt.Errorf("fleet: dispatch to node %s failed: %s", nodeID, result.DispatchError)
	}
	return updated, result, nil
}

// Move relocates a bot to targetNode: it commands the new node to
// recreate the container, then — only once dispatch succeeds — records
// the new placement and stops the old one (best-effort).
func (m *Manager) Move(ctx context.Context, id, targetNode string) (DispatchResult, error) {
	profile, err := m.profiles.Get(ctx, id)
	if err != nil {
		return DispatchResult{}, err
	}
	oldNode, err := m.instances.NodeFor(ctx, id)
	if err != nil && err != ErrBotNotFound {
		return DispatchResult{}, err
	}

	result := m.bus.Recreate(ctx, targetNode, NodeCommand{
		BotID:         profile.ID,
		Image:         profile.Image,
		Env:           profile.Env,
		RestartPolicy: profile.RestartPolicy,
	})
	if !result.Dispatched {
		return result, fmt.Errorf("fleet: move dispatch to node %s failed: %s", targetNode, result.DispatchError)
	}

	if err := m.instances.SetNode(ctx, id, targetNode); err != nil {
		return result, err
	}
	if oldNode != "" && oldNode != targetNode {
		if stopRes := m.bus.Stop(ctx, oldNode, id); !stopRes.Dispatched {
			m.logger.Warn().Str("bot_id", id).Str("node_id", oldNode).Str("error", stopRes.DispatchError).
				Msg("fleet: stop-on-move dispatch failed, reconciliation loop will retry")
		}
	}
	return result, nil
}
