package config

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/state"
	"github.com/vinayprograms/agentloop/store"
)

// OpenStore opens the configured store backend.
func (c *Config) OpenStore() (store.Store, error) {
	switch c.Store.Backend {
	case BackendMemory, "":
		return store.NewKVStore(state.NewMemoryStore()), nil
	case BackendSQLite:
		return store.OpenSQLite(c.Store.Path)
	case BackendNATS:
		kv, err := state.NewNATSStore(state.NATSStoreConfig{URL: c.Store.NATSURL, Bucket: c.Store.Bucket})
		if err != nil {
			return nil, err
		}
		return store.NewKVStore(kv), nil
	case BackendRedis:
		kv, err := state.NewRedisStore(state.RedisStoreConfig{URL: c.Store.RedisURL, Prefix: c.Store.Bucket})
		if err != nil {
			return nil, err
		}
		return store.NewKVStore(kv), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}

// SeedResult counts the records written by Seed.
type SeedResult struct {
	Agents        int
	Tools         int
	Subscriptions int
}

// Seed upserts the configured agents, tools and subscriptions. Tools are
// matched by name and subscriptions by (tool, event type), so seeding is
// repeatable.
func (c *Config) Seed(ctx context.Context, st store.Store) (SeedResult, error) {
	var res SeedResult

	for i := range c.Agents {
		agent := c.Agents[i]
		if existing, err := st.GetAgent(ctx, agent.ID); err == nil {
			agent.CreatedAt = existing.CreatedAt
		}
		if err := st.PutAgent(ctx, &agent); err != nil {
			return res, fmt.Errorf("seeding agent %s: %w", agent.ID, err)
		}
		res.Agents++
	}

	toolIDs := make(map[string]string, len(c.Tools))
	for _, tc := range c.Tools {
		tool := &model.Tool{
			Name:       tc.Name,
			Capability: tc.Capability,
			Config:     tc.Config,
			IsActive:   tc.Active == nil || *tc.Active,
		}
		if err := st.PutTool(ctx, tool); err != nil {
			return res, fmt.Errorf("seeding tool %s: %w", tc.Name, err)
		}
		toolIDs[tc.Name] = tool.ID
		res.Tools++
	}

	for _, sc := range c.Subscriptions {
		toolID, ok := toolIDs[sc.Tool]
		if !ok {
			existing, err := st.GetToolByName(ctx, sc.Tool)
			if err != nil {
				return res, fmt.Errorf("subscription for tool %s: %w", sc.Tool, err)
			}
			toolID = existing.ID
		}
		filter, err := model.ParseFilter(sc.Filter)
		if err != nil {
			return res, fmt.Errorf("subscription %s/%s filter: %w", sc.Tool, sc.EventType, err)
		}
		sub := &model.ToolSubscription{
			ToolID:         toolID,
			EventType:      model.EventType(sc.EventType),
			Filter:         filter,
			ExecutionOrder: sc.ExecutionOrder,
			IsActive:       sc.Active == nil || *sc.Active,
		}
		if err := st.PutSubscription(ctx, sub); err != nil {
			return res, fmt.Errorf("seeding subscription %s/%s: %w", sc.Tool, sc.EventType, err)
		}
		res.Subscriptions++
	}
	return res, nil
}
