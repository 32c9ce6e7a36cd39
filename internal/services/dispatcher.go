package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"slot-waitlist/models"
	"slot-waitlist/utils"

	pubnub "github.com/pubnub/go/v7"
)

// Offer is handed to the dispatcher after an entry moves to notified.
type Offer struct {
	EntryID    string              `json:"entry_id"`
	BusinessID string              `json:"business_id"`
	Recipient  string              `json:"recipient"`
	Message    string              `json:"message"`
	Token      string              `json:"token"`
	Partition  models.PartitionKey `json:"partition"`
	ExpiresAt  time.Time           `json:"expires_at"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, offer Offer) error
}

func offerMessage(key models.PartitionKey, expiresAt time.Time) string {
	where := key.Category
	if key.Zone != "" {
		where += " / " + key.Zone
	}
	if key.Specialty != "" {
		where += " / " + key.Specialty
	}
	return fmt.Sprintf("A %s slot in %s is available for you. Confirm before %s or it goes to the next business in line.",
		key.Plan, where, expiresAt.Format(time.RFC1123))
}

// PubNubDispatcher publishes offers to the business channel, where the
// email and chat bridges pick them up.
type PubNubDispatcher struct {
	pn      *pubnub.PubNub
	breaker *utils.CircuitBreaker
}

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

func NewPubNubDispatcher(cfg PubNubConfig) *PubNubDispatcher {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UserID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey

	return &PubNubDispatcher{
		pn:      pubnub.NewPubNub(pnCfg),
		breaker: utils.NewCircuitBreaker("pubnub"),
	}
}

func businessChannel(businessID string) string {
	return fmt.Sprintf("business-%s", businessID)
}

func (d *PubNubDispatcher) Dispatch(ctx context.Context, offer Offer) error {
	return d.breaker.Execute(ctx, func(ctx context.Context) error {
		_, st, err := d.pn.Publish().
			Channel(businessChannel(offer.BusinessID)).
			Message(map[string]any{
				"type":       "slot_offer",
				"entry_id":   offer.EntryID,
				"recipient":  offer.Recipient,
				"message":    offer.Message,
				"token":      offer.Token,
				"partition":  offer.Partition,
				"expires_at": offer.ExpiresAt,
			}).
			Execute()
		if err != nil {
			return fmt.Errorf("publish offer %s: %w", offer.EntryID, err)
		}
		if st.Error != nil {
			return fmt.Errorf("publish offer %s: %w", offer.EntryID, st.Error)
		}
		return nil
	})
}

// LogDispatcher only logs offers. Used when no PubNub keys are configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, offer Offer) error {
	slog.Info("slot offer",
		"entry_id", offer.EntryID,
		"business_id", offer.BusinessID,
		"recipient", offer.Recipient,
		"partition", offer.Partition.String(),
		"expires_at", offer.ExpiresAt,
	)
	return nil
}
