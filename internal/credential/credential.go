// Package credential encodes and decodes the payload carried by a
// ticket's scannable admission code. It is purely representational: the
// codec never checks ticket state or authorization, it only guarantees
// that a decoded payload is structurally complete.
package credential

import (
	"encoding/json"
	"fmt"
	"time"

	"tickethub/internal/status"
	"tickethub/models"
)

// Version of the payload structure. Decoding rejects versions this
// build does not know; unknown extra fields are tolerated so newer
// payloads with the same version stay readable.
const Version = 1

type Payload struct {
	Version      int       `json:"v"`
	TicketNumber string    `json:"ticket_number"`
	Secret       string    `json:"secret"`
	TicketTypeID string    `json:"ticket_type_id"`
	Quantity     int       `json:"quantity"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Issue builds the payload for a ticket. The rendered visual encoding
// (QR or otherwise) is the presentation layer's concern; this is the
// semantic content it carries.
func Issue(t *models.Ticket) Payload {
	return Payload{
		Version:      Version,
		TicketNumber: t.TicketNumber,
		Secret:       t.CredentialSecret,
		TicketTypeID: t.TicketTypeID,
		Quantity:     t.Quantity,
		IssuedAt:     t.IssuedAt.Time(),
	}
}

func (p Payload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	return string(data), nil
}

// Decode parses a scanned payload. Any structural problem, a missing
// required field or an unknown version yields ErrMalformed and never a
// partial payload.
func Decode(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, status.ErrMalformed
	}
	if p.Version != Version {
		return Payload{}, status.ErrMalformed
	}
	if p.TicketNumber == "" || p.Secret == "" || p.TicketTypeID == "" || p.Quantity < 1 {
		return Payload{}, status.ErrMalformed
	}
	return p, nil
}
