package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go/v7"
)

const (
	eventSource        = "custom.waitingroom"
	detailCounterIncr  = "automatic_serving_counter_incr"
	notifierSenderName = "waitingroom-core"
)

// AdvancementDetail describes one serving counter move.
type AdvancementDetail struct {
	PreviousServingCounterPosition int64 `json:"previous_serving_counter_position"`
	IncrementBy                    int64 `json:"increment_by"`
	CurrentServingCounterPosition  int64 `json:"current_serving_counter_position"`
}

// AdvancementEvent is the bus message emitted after the serving counter
// advances. Downstream consumers key off DetailType.
type AdvancementEvent struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	DetailType string            `json:"detail-type"`
	Detail     AdvancementDetail `json:"detail"`
}

func newAdvancementEvent(previous, increment, current int64) AdvancementEvent {
	return AdvancementEvent{
		ID:         uuid.NewString(),
		Source:     eventSource,
		DetailType: detailCounterIncr,
		Detail: AdvancementDetail{
			PreviousServingCounterPosition: previous,
			IncrementBy:                    increment,
			CurrentServingCounterPosition:  current,
		},
	}
}

// Notifier delivers advancement events to whatever bus the deployment uses.
// Delivery is best effort; callers log failures and move on.
type Notifier interface {
	NotifyCounterAdvanced(ctx context.Context, ev AdvancementEvent) error
}

// NewNotifier picks the PubNub-backed notifier when keys are configured and
// falls back to log-only delivery otherwise, so local runs work without an
// account.
func NewNotifier(cfg Config) Notifier {
	if cfg.PubNubConfigured() {
		return NewPubNubNotifier(cfg)
	}
	slog.Info("pubnub keys not set, advancement events will only be logged")
	return &logNotifier{}
}

var _ Notifier = (*pubnubNotifier)(nil)

type pubnubNotifier struct {
	pn      *pubnub.PubNub
	channel string
}

func NewPubNubNotifier(cfg Config) Notifier {
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(notifierSenderName))
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	return &pubnubNotifier{
		pn:      pubnub.NewPubNub(pnConfig),
		channel: cfg.EventBusName,
	}
}

func (n *pubnubNotifier) NotifyCounterAdvanced(ctx context.Context, ev AdvancementEvent) error {
	_, _, err := n.pn.PublishWithContext(ctx).
		Channel(n.channel).
		Message(ev).
		Execute()
	if err != nil {
		return fmt.Errorf("publish advancement event: %w", err)
	}
	return nil
}

var _ Notifier = (*logNotifier)(nil)

// logNotifier records advancement events in the service log instead of
// publishing them.
type logNotifier struct{}

func (n *logNotifier) NotifyCounterAdvanced(ctx context.Context, ev AdvancementEvent) error {
	slog.Info("serving counter advanced",
		"event_id", ev.ID,
		"detail_type", ev.DetailType,
		"previous", ev.Detail.PreviousServingCounterPosition,
		"increment_by", ev.Detail.IncrementBy,
		"current", ev.Detail.CurrentServingCounterPosition,
	)
	return nil
}
