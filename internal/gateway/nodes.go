package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NodeInvoker handles a node method call.
type NodeInvoker func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// NodeInfo describes a registered host-runtime node.
type NodeInfo struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ConnectedAt  int64    `json:"connectedAtMs"`
}

type registeredNode struct {
	info   NodeInfo
	invoke NodeInvoker
}

// NodeRegistry tracks nodes that expose capabilities to agent runs
// (camera, screen, browser and the like). Nodes register at connect time
// and are invoked by id.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*registeredNode
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: make(map[string]*registeredNode)}
}

// Register adds or replaces a node. A nil invoker registers a node that
// rejects every call; useful for presence-only nodes.
func (r *NodeRegistry) Register(info NodeInfo, invoke NodeInvoker) {
	if info.ConnectedAt == 0 {
		info.ConnectedAt = time.Now().UnixMilli()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[info.ID] = &registeredNode{info: info, invoke: invoke}
}

// Unregister removes a node.
func (r *NodeRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// List returns the registered nodes sorted by id.
func (r *NodeRegistry) List() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke calls a method on a node.
func (r *NodeRegistry) Invoke(ctx context.Context, id, method string, params json.RawMessage) (interface{}, error) {
	r.mu.RLock()
	n, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node %s not connected", id)
	}
	if n.invoke == nil {
		return nil, fmt.Errorf("node %s does not accept invocations", id)
	}
	return n.invoke(ctx, method, params)
}
