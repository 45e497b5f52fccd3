package loopguard

import (
	"context"
	"strings"

	"pricesync/internal/domain"
	"pricesync/internal/models"
)

// Decision is the outcome of a guard check.
type Decision struct {
	Suppress bool
	Reason   string
}

// Guard decides whether an inbound change must be accepted without being applied.
//
// Programmatic pushes to Remote do not emit webhooks, so most loops never reach
// the guard at all. The guard covers what does arrive: events carrying the skip flag,
// events whose source names this integration, and entities with skip_sync set.
type Guard struct {
	reader       domain.CatalogReader
	programmatic map[string]struct{}
}

func New(reader domain.CatalogReader, programmaticSources []string) *Guard {
	g := &Guard{reader: reader, programmatic: make(map[string]struct{}, len(programmaticSources))}
	for _, s := range programmaticSources {
		if s = normalize(s); s != "" {
			g.programmatic[s] = struct{}{}
		}
	}
	return g
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ShouldSuppress checks the event and, when needed, the stored entity.
// The loaded item is returned for reuse; it is nil when the event alone decided.
func (g *Guard) ShouldSuppress(ctx context.Context, event *models.WebhookEvent) (Decision, *models.Item, error) {
	if d := g.checkEvent(event); d.Suppress {
		return d, nil, nil
	}
	item, err := g.reader.GetItem(ctx, event.EntityID)
	if err != nil {
		return Decision{}, nil, err
	}
	return Check(item), item, nil
}

func (g *Guard) checkEvent(event *models.WebhookEvent) Decision {
	if event.SkipFlag {
		return Decision{Suppress: true, Reason: models.SkipReasonEventFlag}
	}
	if _, ok := g.programmatic[normalize(event.Source)]; ok {
		return Decision{Suppress: true, Reason: models.SkipReasonProgrammaticOrigin}
	}
	return Decision{}
}

// Check applies the stored business override.
func Check(item *models.Item) Decision {
	if item != nil && item.SkipSync {
		return Decision{Suppress: true, Reason: models.SkipReasonEntityFlag}
	}
	return Decision{}
}
