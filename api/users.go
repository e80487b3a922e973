package api

import (
	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/coalesce"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/gateway"
)

// Users is the account management surface. Password and 2FA operations
// for the current account live on the Auth facade.
type Users struct {
	*entityFacade
}

func NewUsers(gw *gateway.Client, entities *cache.Cache, flights *coalesce.Group[[]entity.Record], store credentials.Store) *Users {
	return &Users{
		entityFacade: newEntityFacade(entity.FamilyUsers, gw, entities, flights, store),
	}
}
