// Package storetest provides an in-memory SQLite database with the
// application schema for exercising the storage-boundary packages.
package storetest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"tickethub/models"
)

const schema = `
CREATE TABLE users (
	id    TEXT PRIMARY KEY,
	name  TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT ''
);

CREATE TABLE events (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	venue       TEXT NOT NULL DEFAULT '',
	starts_at   TEXT NOT NULL DEFAULT '',
	ends_at     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'draft',
	organizer   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE ticket_types (
	id          TEXT PRIMARY KEY,
	event       TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	unit_price  TEXT NOT NULL DEFAULT '0',
	capacity    INTEGER NOT NULL DEFAULT 0,
	reserved    INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE tickets (
	id                TEXT PRIMARY KEY,
	ticket_number     TEXT NOT NULL UNIQUE,
	event             TEXT NOT NULL DEFAULT '',
	ticket_type       TEXT NOT NULL DEFAULT '',
	buyer             TEXT NOT NULL DEFAULT '',
	quantity          INTEGER NOT NULL DEFAULT 0,
	unit_price        TEXT NOT NULL DEFAULT '0',
	total_amount      TEXT NOT NULL DEFAULT '0',
	lifecycle_state   TEXT NOT NULL DEFAULT 'pending',
	payment_state     TEXT NOT NULL DEFAULT 'pending',
	payment_id        TEXT NOT NULL DEFAULT '',
	credential_secret TEXT NOT NULL UNIQUE,
	attendee_name     TEXT NOT NULL DEFAULT '',
	attendee_email    TEXT NOT NULL DEFAULT '',
	attendee_phone    TEXT NOT NULL DEFAULT '',
	notes             TEXT NOT NULL DEFAULT '',
	issued_at         TEXT NOT NULL DEFAULT '',
	redeemed_at       TEXT NOT NULL DEFAULT '',
	expires_at        TEXT NOT NULL DEFAULT ''
);
`

// NewDB opens a fresh in-memory database with the schema applied. The
// pool is capped at a single connection so concurrent test goroutines
// serialize on it instead of tripping over SQLite write locking.
func NewDB(t *testing.T) *dbx.DB {
	t.Helper()

	db, err := dbx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.DB().SetMaxOpenConns(1)
	db.DB().SetMaxIdleConns(1)

	if _, err := db.NewQuery(schema).Execute(); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// SeedEvent inserts a published event with one ticket type and returns
// both. The event runs from one hour from now until three hours from
// now, so freshly issued tickets are comfortably inside their validity
// window.
func SeedEvent(t *testing.T, db *dbx.DB, capacity int) (*models.Event, *models.TicketType) {
	t.Helper()

	now := time.Now().UTC()
	ev := &models.Event{
		ID:          uuid.NewString(),
		Title:       "Go Conference",
		Venue:       "Convention Hall",
		StartsAt:    DateTime(t, now.Add(time.Hour)),
		EndsAt:      DateTime(t, now.Add(3*time.Hour)),
		Status:      models.EventPublished,
		OrganizerID: "organizer-1",
	}
	InsertEvent(t, db, ev)

	tt := &models.TicketType{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		Name:      "General Admission",
		UnitPrice: decimal.NewFromFloat(25.50),
		Capacity:  capacity,
	}
	InsertTicketType(t, db, tt)

	return ev, tt
}

func InsertEvent(t *testing.T, db *dbx.DB, ev *models.Event) {
	t.Helper()
	_, err := db.Insert("events", dbx.Params{
		"id":          ev.ID,
		"title":       ev.Title,
		"description": ev.Description,
		"venue":       ev.Venue,
		"starts_at":   ev.StartsAt,
		"ends_at":     ev.EndsAt,
		"status":      ev.Status,
		"organizer":   ev.OrganizerID,
	}).Execute()
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func InsertTicketType(t *testing.T, db *dbx.DB, tt *models.TicketType) {
	t.Helper()
	_, err := db.Insert("ticket_types", dbx.Params{
		"id":          tt.ID,
		"event":       tt.EventID,
		"name":        tt.Name,
		"unit_price":  tt.UnitPrice,
		"capacity":    tt.Capacity,
		"reserved":    tt.Reserved,
		"description": tt.Description,
	}).Execute()
	if err != nil {
		t.Fatalf("insert ticket type: %v", err)
	}
}

func InsertUser(t *testing.T, db *dbx.DB, id, name, email string) {
	t.Helper()
	_, err := db.Insert("users", dbx.Params{"id": id, "name": name, "email": email}).Execute()
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

// Reserved reads the raw reserved counter for assertions.
func Reserved(t *testing.T, db *dbx.DB, ticketTypeID string) int {
	t.Helper()
	var row struct {
		Reserved int `db:"reserved"`
	}
	err := db.NewQuery(`SELECT reserved FROM ticket_types WHERE id = {:id}`).
		Bind(dbx.Params{"id": ticketTypeID}).
		One(&row)
	if err != nil {
		t.Fatalf("read reserved: %v", err)
	}
	return row.Reserved
}

// DateTime converts a time for use in seeded records.
func DateTime(t *testing.T, v time.Time) types.DateTime {
	t.Helper()
	dt, err := types.ParseDateTime(v)
	if err != nil {
		t.Fatalf("parse datetime: %v", err)
	}
	return dt
}
