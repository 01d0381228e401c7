package main

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/chatenvelope"
)

// redisAgentGate implements governor.AgentGate by reading a flag an
// operator (or a human-takeover webhook, out of scope here) sets per
// conversation.
type redisAgentGate struct{ client *redis.Client }

func (g redisAgentGate) IsAgentActive(ctx context.Context, conversationID string) (bool, error) {
	v, err := g.client.HGet(ctx, "cc:agent_active", conversationID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// redisBlacklist implements governor.Blacklist against a set membership
// check keyed by whichever contact identifier is present.
type redisBlacklist struct{ client *redis.Client }

func (b redisBlacklist) IsBlacklisted(ctx context.Context, contact chatenvelope.Contact) (bool, error) {
	for _, id := range []string{contact.Phone, contact.Email} {
		if id == "" {
			continue
		}
		ok, err := b.client.SIsMember(ctx, "cc:blacklist", id).Result()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type flowStateRecord struct {
	State  string `json:"state"`
	Active bool   `json:"active"`
}

// redisFlowState implements governor.FlowStateLookup over a JSON blob
// keyed per conversation; flow handlers (out of scope here) are
// responsible for keeping it current.
type redisFlowState struct{ client *redis.Client }

func (f redisFlowState) CurrentFlowState(ctx context.Context, conversationID string) (string, bool, error) {
	data, err := f.client.Get(ctx, "cc:flow_state:"+conversationID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var rec flowStateRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return "", false, err
	}
	return rec.State, rec.Active, nil
}
