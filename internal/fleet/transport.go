package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NodeCommand is the payload a NodeTransport delivers to a worker node.
// The field shape models the container/host-config arguments
// Generativebots-ocx-backend-go-svc's ghostpool.PoolBackend takes
// (CreateContainer/StartContainer/StopContainer/RemoveContainer), but
// this platform never opens a Docker socket itself — the worker node
// process that receives this payload does (out of scope here; spec.md
// §1 scope note).
type NodeCommand struct {
	Op            string            `json:"op"` // "recreate", "stop", "remove"
	BotID         string            `json:"bot_id"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env"`
	RestartPolicy string            `json:"restart_policy"`
}

// DispatchResult is the fire-and-forget outcome spec.md §4.8 names:
// {dispatched, dispatchError?}. Dispatched reports whether the command
// was successfully handed to the node; it says nothing about whether the
// node went on to apply it — that's left to the out-of-scope
// reconciliation loop.
type DispatchResult struct {
	Dispatched    bool
	DispatchError string
}

func dispatched() DispatchResult { return DispatchResult{Dispatched: true} }

func failed(err error) DispatchResult {
	return DispatchResult{Dispatched: false, DispatchError: err.Error()}
}

// NodeTransport delivers commands to worker nodes. Every method is
// fire-and-forget: a non-dispatched result means the node never received
// the command (network/transport failure), not that the node rejected
// it.
type NodeTransport interface {
	Recreate(ctx context.Context, nodeID string, cmd NodeCommand) DispatchResult
	Stop(ctx context.Context, nodeID, botID string) DispatchResult
}

// HTTPNodeTransport is the default NodeTransport: one HTTP POST per
// command to the node agent's base URL, resolved per nodeID.
type HTTPNodeTransport struct {
	client     *http.Client
	urlForNode func(nodeID string) string
}

// NewHTTPNodeTransport builds an HTTPNodeTransport. urlForNode maps a
// node id to its agent's base URL (e.g. "http://node-7.internal:9090");
// callers own node discovery/addressing.
func NewHTTPNodeTransport(urlForNode func(nodeID string) string) *HTTPNodeTransport {
	return &HTTPNodeTransport{
		client:     &http.Client{Timeout: 10 * time.Second},
		urlForNode: urlForNode,
	}
}

func (t *HTTPNodeTransport) post(ctx context.Context, nodeID string, cmd NodeCommand) DispatchResult {
	body, err := json.Marshal(cmd)
	if err != nil {
		return failed(fmt.Errorf("fleet: marshal node command: %w", err))
	}

	url := t.urlForNode(nodeID) + "/commands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed(fmt.Errorf("fleet: build node request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return failed(fmt.Errorf("fleet: dispatch to node %s: %w", nodeID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return failed(fmt.Errorf("fleet: node %s rejected command: status %d", nodeID, resp.StatusCode))
	}
	return dispatched()
}

func (t *HTTPNodeTransport) Recreate(ctx context.Context, nodeID string, cmd NodeCommand) DispatchResult {
	cmd.Op = "recreate"
	return t.post(ctx, nodeID, cmd)
}

func (t *HTTPNodeTransport) Stop(ctx context.Context, nodeID, botID string) DispatchResult {
	return t.post(ctx, nodeID, NodeCommand{Op: "stop", BotID: botID})
}
