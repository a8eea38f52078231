// Package registry resolves graph agents into executable form: the
// persisted agent row joined with its outgoing relations and rendered
// into an A2A agent card. Resolutions are cached with a short TTL so
// hot conversations do not hit the database per turn.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/inkeep/agents-run/pkg/a2a"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/version"
)

const (
	cacheSize = 512
	cacheTTL  = 30 * time.Second
)

// Target is one reachable agent from a relation edge.
type Target struct {
	AgentID     string
	Name        string
	Description string
	// External is set for out-of-graph targets.
	External bool
	BaseURL  string
}

// RegisteredAgent is a resolved agent ready for execution.
type RegisteredAgent struct {
	Agent           *ledger.Agent
	Graph           *ledger.Graph
	TransferTargets []Target
	DelegateTargets []Target
}

// Registry caches resolved agents.
type Registry struct {
	store   *ledger.Store
	baseURL string
	cache   *expirable.LRU[string, *RegisteredAgent]
}

// New builds a registry. baseURL is the externally visible server root
// used in agent cards.
func New(store *ledger.Store, baseURL string) *Registry {
	return &Registry{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   expirable.NewLRU[string, *RegisteredAgent](cacheSize, nil, cacheTTL),
	}
}

// Resolve loads an agent with its relations, from cache when fresh.
func (r *Registry) Resolve(ctx context.Context, tenantID, projectID, graphID, agentID string) (*RegisteredAgent, error) {
	key := tenantID + "/" + projectID + "/" + graphID + "/" + agentID
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	graph, err := r.store.GetGraph(ctx, tenantID, projectID, graphID)
	if err != nil {
		return nil, fmt.Errorf("resolve graph %s: %w", graphID, err)
	}
	agent, err := r.store.GetAgent(ctx, tenantID, projectID, graphID, agentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentID, err)
	}
	relations, err := r.store.ListRelationsFrom(ctx, tenantID, projectID, graphID, agentID)
	if err != nil {
		return nil, fmt.Errorf("resolve relations of %s: %w", agentID, err)
	}

	ra := &RegisteredAgent{Agent: agent, Graph: graph}
	for _, rel := range relations {
		target, err := r.resolveTarget(ctx, tenantID, projectID, graphID, &rel)
		if err != nil {
			return nil, err
		}
		switch rel.RelationType {
		case ledger.RelationTransfer:
			ra.TransferTargets = append(ra.TransferTargets, *target)
		case ledger.RelationDelegate:
			ra.DelegateTargets = append(ra.DelegateTargets, *target)
		}
	}

	r.cache.Add(key, ra)
	return ra, nil
}

// ResolveEntry resolves the graph's default agent.
func (r *Registry) ResolveEntry(ctx context.Context, tenantID, projectID, graphID string) (*RegisteredAgent, error) {
	graph, err := r.store.GetGraph(ctx, tenantID, projectID, graphID)
	if err != nil {
		return nil, fmt.Errorf("resolve graph %s: %w", graphID, err)
	}
	return r.Resolve(ctx, tenantID, projectID, graphID, graph.DefaultAgentID)
}

// Invalidate drops every cached resolution of a graph. Management
// writes call this so updates take effect within a turn.
func (r *Registry) Invalidate(tenantID, projectID, graphID string) {
	prefix := tenantID + "/" + projectID + "/" + graphID + "/"
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
}

func (r *Registry) resolveTarget(ctx context.Context, tenantID, projectID, graphID string, rel *ledger.AgentRelation) (*Target, error) {
	if rel.ExternalAgentID != "" {
		ext, err := r.store.GetExternalAgent(ctx, tenantID, projectID, rel.ExternalAgentID)
		if err != nil {
			return nil, fmt.Errorf("resolve external agent %s: %w", rel.ExternalAgentID, err)
		}
		return &Target{
			AgentID:     ext.ID,
			Name:        ext.Name,
			Description: ext.Description,
			External:    true,
			BaseURL:     ext.BaseURL,
		}, nil
	}
	target, err := r.store.GetAgent(ctx, tenantID, projectID, graphID, rel.TargetAgentID)
	if err != nil {
		return nil, fmt.Errorf("resolve target agent %s: %w", rel.TargetAgentID, err)
	}
	return &Target{
		AgentID:     target.ID,
		Name:        target.Name,
		Description: target.Description,
	}, nil
}

// EnhancedDescription renders the agent description with its handoff
// surface appended, so peer agents and cards advertise what the agent
// can route to.
func (ra *RegisteredAgent) EnhancedDescription() string {
	var b strings.Builder
	b.WriteString(ra.Agent.Description)
	if len(ra.TransferTargets) > 0 {
		b.WriteString("\n\nCan transfer the conversation to:\n")
		for _, t := range ra.TransferTargets {
			fmt.Fprintf(&b, "- %s: %s\n", t.AgentID, t.Description)
		}
	}
	if len(ra.DelegateTargets) > 0 {
		b.WriteString("\n\nCan delegate tasks to:\n")
		for _, t := range ra.DelegateTargets {
			fmt.Fprintf(&b, "- %s: %s\n", t.AgentID, t.Description)
		}
	}
	return strings.TrimSpace(b.String())
}

// Card renders the A2A agent card served at the graph's well-known
// endpoint.
func (ra *RegisteredAgent) Card(baseURL string) *a2a.AgentCard {
	url := fmt.Sprintf("%s/agents/%s/a2a", strings.TrimRight(baseURL, "/"), ra.Graph.ID)
	return &a2a.AgentCard{
		Name:            ra.Agent.Name,
		Description:     ra.EnhancedDescription(),
		URL:             url,
		Version:         version.Version,
		ProtocolVersion: a2a.ProtocolVersion,
		Provider: &a2a.AgentProvider{
			Organization: "Inkeep",
		},
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		Skills: ra.skills(),
	}
}

func (ra *RegisteredAgent) skills() []a2a.AgentSkill {
	skills := []a2a.AgentSkill{{
		ID:          ra.Agent.ID,
		Name:        ra.Agent.Name,
		Description: ra.Agent.Description,
		Tags:        []string{"chat"},
	}}
	return skills
}
