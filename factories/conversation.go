package factories

import (
	"context"
	"fmt"
	"time"

	"voicegate/conversation"
	"voicegate/conversation/drivers"
	"voicegate/core"
	"voicegate/metrics"
)

const redisDialTimeout = 5 * time.Second

// BuildBudgeter validates the context budget thresholds.
func BuildBudgeter(s ConversationSettings) (*conversation.Budgeter, error) {
	return conversation.NewBudgeter(s.MaxContext, s.TriggerFraction, s.TargetFraction)
}

// BuildPersister opens the configured persistence driver. It returns nil
// for the none driver, which keeps history in memory only.
func BuildPersister(ctx context.Context, s PersistenceSettings) (conversation.Persister, error) {
	switch s.Driver {
	case DriverNone, "":
		return nil, nil
	case DriverRedis:
		dialCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		defer cancel()
		p, err := drivers.DialRedis(dialCtx, s.RedisAddr, s.RedisPassword, s.RedisDB, s.RedisKeyTTL.Std())
		if err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
		return p, nil
	case DriverBolt:
		p, err := drivers.OpenBolt(s.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
		return p, nil
	default:
		return nil, &core.StartupConfigError{Key: "persistence.driver", Reason: fmt.Sprintf("unknown driver %q", s.Driver)}
	}
}

// BuildStore assembles the conversation store. The returned store is not
// started.
func BuildStore(ctx context.Context, s Settings, logger *core.Logger, m *metrics.Metrics) (*conversation.Store, error) {
	budgeter, err := BuildBudgeter(s.Conversation)
	if err != nil {
		return nil, err
	}
	persister, err := BuildPersister(ctx, s.Persistence)
	if err != nil {
		return nil, err
	}
	store, err := conversation.NewStore(conversation.Options{
		TTL:              s.Conversation.TTL.Std(),
		EvictionInterval: s.Conversation.EvictionInterval.Std(),
		MaxTurnChars:     s.Conversation.MaxTurnChars,
		Budgeter:         budgeter,
		Persister:        persister,
		Logger:           logger,
		Metrics:          m,
		ReapSchedule:     s.Conversation.ReapSchedule,
		FlushSchedule:    s.Persistence.FlushSchedule,
	})
	if err != nil {
		if persister != nil {
			persister.Close()
		}
		return nil, err
	}
	return store, nil
}
