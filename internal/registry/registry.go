// Package registry holds the read-only set of tools the gateway can embed.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"toolgate/internal/config"
	"toolgate/internal/model"
)

// ErrInvalidTool is returned when a descriptor violates the registry invariants.
var ErrInvalidTool = errors.New("invalid tool descriptor")

// Registry maps tool IDs to descriptors. It is immutable after construction
// and safe for concurrent use.
type Registry struct {
	tools map[string]model.ToolDescriptor
	ids   []string
}

// New builds a Registry, rejecting descriptors without a scheme+host origin
// and duplicate IDs.
func New(tools []model.ToolDescriptor) (*Registry, error) {
	r := &Registry{tools: make(map[string]model.ToolDescriptor, len(tools))}
	for _, t := range tools {
		if t.ID == "" || strings.ContainsAny(t.ID, "/?#") {
			return nil, fmt.Errorf("%w: id %q must be a single path segment", ErrInvalidTool, t.ID)
		}
		if t.Origin == nil || t.Origin.Host == "" || (t.Origin.Scheme != "http" && t.Origin.Scheme != "https") {
			return nil, fmt.Errorf("%w: tool %q needs an http(s) origin with a host", ErrInvalidTool, t.ID)
		}
		if _, dup := r.tools[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidTool, t.ID)
		}
		r.tools[t.ID] = t
		r.ids = append(r.ids, t.ID)
	}
	slices.Sort(r.ids)
	return r, nil
}

// FromConfig converts the [[tools]] entries of an already validated config.
func FromConfig(cfg *config.Config) (*Registry, error) {
	tools := make([]model.ToolDescriptor, 0, len(cfg.Tools))
	for _, tc := range cfg.Tools {
		origin, err := url.Parse(tc.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url of tool %q: %w", tc.ID, err)
		}
		td := model.ToolDescriptor{
			ID:               tc.ID,
			Name:             tc.Name,
			Origin:           origin,
			AccessType:       tc.AccessType,
			LongRunningPaths: tc.LongRunningPaths,
		}
		if td.Name == "" {
			td.Name = tc.ID
		}
		if tc.Username != "" || tc.APIKey != "" {
			td.Credentials = &model.Credentials{
				Username: tc.Username,
				Password: tc.Password,
				APIKey:   tc.APIKey,
			}
		}
		tools = append(tools, td)
	}
	return New(tools)
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (model.ToolDescriptor, bool) {
	t, ok := r.tools[id]
	return t, ok
}

// List returns all descriptors ordered by ID.
func (r *Registry) List() []model.ToolDescriptor {
	out := make([]model.ToolDescriptor, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.tools[id])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.ids)
}
