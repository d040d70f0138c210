package zcl

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds all known cluster definitions.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		logger:   logger,
	}
}

// Register adds a cluster definition to the registry.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clusters[c.ID]; ok {
		existing.Merge(&c)
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
	} else {
		r.clusters[c.ID] = c.DeepCopy()
		r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name)
	}
}

// Get returns a cluster definition by ID, or nil if not found.
// The returned value is a deep copy; callers may modify it safely.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.DeepCopy()
}

// All returns all registered cluster definitions ordered by id.
func (r *Registry) All() []ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.DeepCopy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// CommandName resolves a command id. ok is false when the cluster or the
// command is unknown.
func (r *Registry) CommandName(cluster uint16, id uint8, dir CommandDirection) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[cluster]
	if c == nil {
		return "", false
	}
	cmd := c.FindCommand(id, dir)
	if cmd == nil {
		return "", false
	}
	return cmd.Name, true
}

// CommandID resolves a command name.
func (r *Registry) CommandID(cluster uint16, name string, dir CommandDirection) (uint8, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[cluster]
	if c == nil {
		return 0, fmt.Errorf("zcl: unknown cluster 0x%04X", cluster)
	}
	cmd := c.FindCommandByName(name, dir)
	if cmd == nil {
		return 0, fmt.Errorf("zcl: cluster 0x%04X has no %s command %q", cluster, dir, name)
	}
	return cmd.ID, nil
}
