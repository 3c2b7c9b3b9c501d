package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TriggerType string

const (
	TriggerExact      TriggerType = "exact"
	TriggerContains   TriggerType = "contains"
	TriggerStartsWith TriggerType = "starts_with"
)

// KeywordPredicate reports whether normalized text matches a normalized keyword.
type KeywordPredicate func(text, keyword string) bool

var keywordPredicates = map[TriggerType]KeywordPredicate{
	TriggerExact:      func(text, keyword string) bool { return text == keyword },
	TriggerContains:   strings.Contains,
	TriggerStartsWith: strings.HasPrefix,
}

// Predicate returns nil for unknown trigger types.
func (t TriggerType) Predicate() KeywordPredicate {
	return keywordPredicates[t]
}

func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type AutomationRule struct {
	ID              string                      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID        string                      `json:"tenant_id" gorm:"not null;index"`
	Name            string                      `json:"name"`
	Keywords        datatypes.JSONSlice[string] `json:"keywords"`
	TriggerType     TriggerType                 `json:"trigger_type" gorm:"not null"`
	ResponseContent string                      `json:"response_content" gorm:"not null"`
	Priority        int                         `json:"priority" gorm:"not null;default:0"`
	IsActive        bool                        `json:"is_active" gorm:"not null;default:true;index"`
	CreatedAt       time.Time                   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time                   `json:"updated_at" gorm:"autoUpdateTime"`
}

func (r *AutomationRule) BeforeCreate(tx *gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// Matches applies the rule's trigger to already-normalized text.
// Empty keywords never match.
func (r *AutomationRule) Matches(text string) bool {
	pred := r.TriggerType.Predicate()
	if pred == nil {
		return false
	}
	for _, kw := range r.Keywords {
		k := NormalizeText(kw)
		if k == "" {
			continue
		}
		if pred(text, k) {
			return true
		}
	}
	return false
}

type AutomationEventType string

const (
	AutomationEventPaymentSuccess AutomationEventType = "payment_success"
	AutomationEventPaymentFailed  AutomationEventType = "payment_failed"
)

// AutomationEvent is the outbox row for automation triggers. (tenant_id, dedupe_key) is unique.
type AutomationEvent struct {
	ID          string              `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID    string              `json:"tenant_id" gorm:"not null;uniqueIndex:idx_automation_events_dedupe,priority:1"`
	EventType   AutomationEventType `json:"event_type" gorm:"not null;index"`
	DedupeKey   string              `json:"dedupe_key" gorm:"not null;uniqueIndex:idx_automation_events_dedupe,priority:2"`
	Payload     datatypes.JSONMap   `json:"payload"`
	Published   bool                `json:"published" gorm:"not null;default:false"`
	PublishedAt *time.Time          `json:"published_at"`
	CreatedAt   time.Time           `json:"created_at" gorm:"autoCreateTime"`
}

func (e *AutomationEvent) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
