package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type EntryStatus string

const (
	EntryWaiting   EntryStatus = "waiting"
	EntryNotified  EntryStatus = "notified"
	EntryConfirmed EntryStatus = "confirmed"
	EntryExpired   EntryStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s EntryStatus) Terminal() bool {
	return s == EntryConfirmed || s == EntryExpired
}

// Open reports whether the entry still holds a place in its partition.
func (s EntryStatus) Open() bool {
	return s == EntryWaiting || s == EntryNotified
}

// PartitionKey is the unit of scarcity and of FIFO ordering.
type PartitionKey struct {
	Category  string   `json:"category"`
	Plan      PlanTier `json:"plan"`
	Zone      string   `json:"zone,omitempty"`
	Specialty string   `json:"specialty,omitempty"`
}

// String encodes the key for use inside storage keys; empty dimensions stay empty.
func (k PartitionKey) String() string {
	return strings.Join([]string{
		url.PathEscape(k.Category),
		url.PathEscape(string(k.Plan)),
		url.PathEscape(k.Zone),
		url.PathEscape(k.Specialty),
	}, ":")
}

func ParsePartitionKey(s string) (PartitionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return PartitionKey{}, fmt.Errorf("malformed partition key %q", s)
	}
	var decoded [4]string
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return PartitionKey{}, fmt.Errorf("malformed partition key %q: %w", s, err)
		}
		decoded[i] = v
	}
	return PartitionKey{
		Category:  decoded[0],
		Plan:      PlanTier(decoded[1]),
		Zone:      decoded[2],
		Specialty: decoded[3],
	}, nil
}

// Broader returns the key followed by every coarser key that contains it,
// dropping specialty, zone, then both.
func (k PartitionKey) Broader() []PartitionKey {
	keys := []PartitionKey{k}
	seen := map[PartitionKey]bool{k: true}
	for _, c := range []PartitionKey{
		{Category: k.Category, Plan: k.Plan, Zone: k.Zone},
		{Category: k.Category, Plan: k.Plan, Specialty: k.Specialty},
		{Category: k.Category, Plan: k.Plan},
	} {
		if !seen[c] {
			seen[c] = true
			keys = append(keys, c)
		}
	}
	return keys
}

type WaitlistEntry struct {
	ID          string      `json:"id"`
	BusinessID  string      `json:"business_id"`
	Category    string      `json:"category"`
	TargetPlan  PlanTier    `json:"target_plan"`
	Zone        string      `json:"zone,omitempty"`
	Specialty   string      `json:"specialty,omitempty"`
	Status      EntryStatus `json:"status"` // waiting, notified, confirmed, expired
	CreatedAt   time.Time   `json:"created_at"`
	NotifiedAt  *time.Time  `json:"notified_at,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	ConfirmedAt *time.Time  `json:"confirmed_at,omitempty"`
	ExpiredAt   *time.Time  `json:"expired_at,omitempty"`
	TokenHash   string      `json:"token_hash,omitempty"`
}

func (e WaitlistEntry) Partition() PartitionKey {
	return PartitionKey{
		Category:  e.Category,
		Plan:      e.TargetPlan,
		Zone:      e.Zone,
		Specialty: e.Specialty,
	}
}

// Due reports whether a notified entry's confirmation window has elapsed.
func (e WaitlistEntry) Due(now time.Time) bool {
	return e.Status == EntryNotified && e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// EntryView is what the read API returns for an entry.
type EntryView struct {
	WaitlistEntry
	Position int `json:"position,omitempty"`
}
