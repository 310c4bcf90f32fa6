package models

import (
	"time"

	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

const (
	EventDraft     = "draft"
	EventPublished = "published"
	EventCancelled = "cancelled"
	EventCompleted = "completed"
)

type Event struct {
	ID          string         `db:"id" json:"id"`
	Title       string         `db:"title" json:"title"`
	Description string         `db:"description" json:"description"`
	Venue       string         `db:"venue" json:"venue"`
	StartsAt    types.DateTime `db:"starts_at" json:"starts_at"`
	EndsAt      types.DateTime `db:"ends_at" json:"ends_at"`
	Status      string         `db:"status" json:"status"`
	OrganizerID string         `db:"organizer" json:"organizer_id"`
}

// IsBookable reports whether tickets can currently be purchased.
func (e *Event) IsBookable() bool {
	return e.Status == EventPublished
}

func (e *Event) HasStarted(now time.Time) bool {
	return !now.Before(e.StartsAt.Time())
}

// TicketType is one sellable allocation within an event. The reserved
// counter is only ever moved through conditional updates, never by
// loading and saving the struct.
type TicketType struct {
	ID          string          `db:"id" json:"id"`
	EventID     string          `db:"event" json:"event_id"`
	Name        string          `db:"name" json:"name"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Capacity    int             `db:"capacity" json:"capacity"`
	Reserved    int             `db:"reserved" json:"reserved"`
	Description string          `db:"description" json:"description,omitempty"`
}

func (t *TicketType) Available() int {
	return t.Capacity - t.Reserved
}
