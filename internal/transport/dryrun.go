package transport

import (
	"context"
	"log"

	"github.com/google/uuid"

	"bidreach/internal/domain"
)

// DryRun logs what would be sent instead of sending. Every send succeeds
// and returns a dry- prefixed reference, so the full campaign lifecycle can
// run against it in development and tests.
type DryRun struct {
	Channel domain.Channel
}

func (d *DryRun) Send(ctx context.Context, m Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := "dry-" + uuid.New().String()
	summary := m.Body
	if len(summary) > 50 {
		summary = summary[:50] + "..."
	}
	if m.Channel == domain.ChannelEmail {
		summary = m.Subject
	}
	log.Printf("[dev mode] would send %s to %s: %s", d.Channel, m.To, summary)
	return ref, nil
}
