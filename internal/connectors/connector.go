// Package connectors defines the contract every evidence source implements
// and the failure taxonomy the aggregator relies on.
//
// A connector answers a single question against one external system and
// returns source-attributed evidence items. Connectors are independent of
// each other: they share no mutable state and may run concurrently.
package connectors

import (
	"context"

	"github.com/evidence-on-demand/backend/internal/storage/models"
)

// Connector fetches evidence for a question from one external source.
//
// Fetch must honour ctx cancellation. Failures should be reported through
// one of the sentinel kinds (ErrTimeout, ErrAuth, ErrNotFound,
// ErrUnavailable); anything else is classified as ErrUnavailable.
type Connector interface {
	ID() models.SourceID
	Fetch(ctx context.Context, q models.Query) ([]models.EvidenceItem, error)
}

// Catalog maps integration ids to their configured connectors.
type Catalog struct {
	byID map[models.SourceID]Connector
}

// NewCatalog registers connectors. A later connector with the same id
// replaces an earlier one.
func NewCatalog(conns ...Connector) *Catalog {
	c := &Catalog{byID: make(map[models.SourceID]Connector, len(conns))}
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		c.byID[conn.ID()] = conn
	}
	return c
}

// Resolve returns the connectors for the connected integrations, in the
// order the integrations are given. Connected integrations with no
// configured connector are reported in missing.
func (c *Catalog) Resolve(active []models.Integration) (resolved []Connector, missing []models.SourceID) {
	for _, integration := range active {
		if !integration.Connected {
			continue
		}
		conn, ok := c.byID[integration.ID]
		if !ok {
			missing = append(missing, integration.ID)
			continue
		}
		resolved = append(resolved, conn)
	}
	return resolved, missing
}

// Has reports whether a connector is configured for id.
func (c *Catalog) Has(id models.SourceID) bool {
	_, ok := c.byID[id]
	return ok
}
