package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

func init() {
	m.Register(func(app core.App) error {
		events, err := app.FindCollectionByNameOrId("events")
		if err != nil {
			return err
		}
		ticketTypes, err := app.FindCollectionByNameOrId("ticket_types")
		if err != nil {
			return err
		}
		users, err := app.FindCollectionByNameOrId("users")
		if err != nil {
			return err
		}

		collection := core.NewBaseCollection("tickets")

		collection.Fields.Add(
			&core.TextField{Name: "ticket_number", Required: true, Max: 50},
			&core.RelationField{
				Name:         "event",
				Required:     true,
				CollectionId: events.Id,
				MaxSelect:    1,
			},
			&core.RelationField{
				Name:         "ticket_type",
				Required:     true,
				CollectionId: ticketTypes.Id,
				MaxSelect:    1,
			},
			&core.RelationField{
				Name:         "buyer",
				Required:     true,
				CollectionId: users.Id,
				MaxSelect:    1,
			},
			&core.NumberField{Name: "quantity", Required: true, OnlyInt: true, Min: types.Pointer(1.0)},
			&core.NumberField{Name: "unit_price", Min: types.Pointer(0.0)},
			&core.NumberField{Name: "total_amount", Min: types.Pointer(0.0)},
			&core.SelectField{
				Name:      "lifecycle_state",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"pending", "confirmed", "cancelled", "used", "expired"},
			},
			&core.SelectField{
				Name:      "payment_state",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"pending", "paid", "failed", "refunded"},
			},
			&core.TextField{Name: "payment_id", Max: 100},
			&core.TextField{Name: "credential_secret", Required: true, Max: 100},
			&core.TextField{Name: "attendee_name", Max: 100},
			&core.EmailField{Name: "attendee_email"},
			&core.TextField{Name: "attendee_phone", Max: 20},
			&core.TextField{Name: "notes", Max: 500},
			&core.DateField{Name: "issued_at", Required: true},
			&core.DateField{Name: "redeemed_at"},
			&core.DateField{Name: "expires_at", Required: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_tickets_number", true, "ticket_number", "")
		collection.AddIndex("idx_tickets_secret", true, "credential_secret", "")
		collection.AddIndex("idx_tickets_buyer", false, "buyer", "")
		collection.AddIndex("idx_tickets_event_state", false, "event, lifecycle_state", "")
		collection.AddIndex("idx_tickets_sweep", false, "lifecycle_state, issued_at", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
