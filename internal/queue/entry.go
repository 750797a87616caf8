package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queue entry
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Active reports whether the status counts toward the one-active-entry rule
func (s Status) Active() bool {
	return s == StatusPending || s == StatusSending
}

// Terminal reports whether the entry will not be touched by dispatch again
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSkipped
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// StageInitial is the first message of a campaign sequence
const StageInitial = "initial"

const followUpPrefix = "followup-"

// FollowUpStage returns the name of the n-th follow-up stage (n >= 1)
func FollowUpStage(n int) string {
	return followUpPrefix + strconv.Itoa(n)
}

// StageIndex returns 0 for the initial stage and n for followup-n.
func StageIndex(stage string) (int, error) {
	if stage == StageInitial {
		return 0, nil
	}
	if !strings.HasPrefix(stage, followUpPrefix) {
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(stage, followUpPrefix))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("unknown stage %q", stage)
	}
	return n, nil
}

// NextStage returns the stage that follows stage in a sequence
func NextStage(stage string) (string, error) {
	n, err := StageIndex(stage)
	if err != nil {
		return "", err
	}
	return FollowUpStage(n + 1), nil
}

// Key identifies one message of a campaign sequence for one lead
type Key struct {
	CampaignID string
	LeadID     string
	Stage      string
}

func (k Key) String() string {
	return k.CampaignID + "/" + k.LeadID + "/" + k.Stage
}

// Entry is one message-to-send for one lead
type Entry struct {
	ID                string     `json:"id"`
	CampaignID        string     `json:"campaign_id"`
	LeadID            string     `json:"lead_id"`
	Stage             string     `json:"stage"`
	Status            Status     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	LastError         string     `json:"last_error,omitempty"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ManualRetries     int        `json:"manual_retries,omitempty"`
	ParentID          string     `json:"parent_id,omitempty"`
}

// Key returns the sequence key of the entry
func (e *Entry) Key() Key {
	return Key{CampaignID: e.CampaignID, LeadID: e.LeadID, Stage: e.Stage}
}

// Stats holds per-status entry counts
type Stats struct {
	Pending int64 `json:"pending"`
	Sending int64 `json:"sending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Total   int64 `json:"total"`
}

// ListFilter represents filter options for listing entries
type ListFilter struct {
	CampaignID string
	Status     Status
	Stage      string
	Limit      int
	Offset     int
}

// transitions lists every allowed status edge. failed -> pending is only
// reachable through Retry.
var transitions = map[Status][]Status{
	StatusPending: {StatusSending},
	StatusSending: {StatusPending, StatusSent, StatusFailed, StatusSkipped},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
