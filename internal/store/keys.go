package store

import (
	"fmt"
	"net/url"

	"slot-waitlist/models"
)

const (
	planChangeStream = "holders:plan-changes"
	offersStream     = "waitlist:offers"
	notifiedKey      = "waitlist:notified"
	partitionsKey    = "waitlist:partitions"
)

func holderKey(id string) string {
	return fmt.Sprintf("holder:%s", id)
}

func holderIndexKey(category string, plan models.PlanTier) string {
	return fmt.Sprintf("holders:idx:%s:%s", url.PathEscape(category), plan)
}

func entryKey(id string) string {
	return fmt.Sprintf("waitlist:entry:%s", id)
}

func waitingKey(key models.PartitionKey) string {
	return fmt.Sprintf("waitlist:waiting:%s", key)
}

func offeredKey(key models.PartitionKey) string {
	return fmt.Sprintf("waitlist:offered:%s", key)
}

func openKey(businessID string, key models.PartitionKey) string {
	return fmt.Sprintf("waitlist:open:%s:%s", url.PathEscape(businessID), key)
}

func businessKey(businessID string) string {
	return fmt.Sprintf("waitlist:business:%s", businessID)
}
