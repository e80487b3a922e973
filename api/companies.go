package api

import (
	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/coalesce"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/gateway"
)

// Companies is the tenant management surface.
type Companies struct {
	*entityFacade
}

func NewCompanies(gw *gateway.Client, entities *cache.Cache, flights *coalesce.Group[[]entity.Record], store credentials.Store) *Companies {
	return &Companies{
		entityFacade: newEntityFacade(entity.FamilyCompanies, gw, entities, flights, store),
	}
}
