package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/fleetview/fleetview-client/cache"
	"github.com/fleetview/fleetview-client/coalesce"
	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/entity"
	"github.com/fleetview/fleetview-client/gateway"
	apperrors "github.com/fleetview/fleetview-client/internal/errors"
)

// Command is a device instruction for a display player.
type Command string

const (
	CommandReboot     Command = "reboot"
	CommandScreenshot Command = "screenshot"
	CommandPushURL    Command = "push-url"
	CommandUpdateAPK  Command = "update-apk"
)

func (c Command) Valid() bool {
	switch c {
	case CommandReboot, CommandScreenshot, CommandPushURL, CommandUpdateAPK:
		return true
	}
	return false
}

// Players is the display-player surface: the usual collection
// operations plus the device command channel.
type Players struct {
	*entityFacade
}

func NewPlayers(gw *gateway.Client, entities *cache.Cache, flights *coalesce.Group[[]entity.Record], store credentials.Store) *Players {
	return &Players{
		entityFacade: newEntityFacade(entity.FamilyPlayers, gw, entities, flights, store),
	}
}

// SendCommand dispatches a device command to one player. Params carry
// command arguments such as the url for push-url. Commands are not
// queued offline; an unreachable server is reported to the caller.
func (p *Players) SendCommand(ctx context.Context, id string, cmd Command, params map[string]string) (json.RawMessage, error) {
	if id == "" {
		return nil, &apperrors.ValidationError{Field: "id", Reason: "missing"}
	}
	if !cmd.Valid() {
		return nil, &apperrors.ValidationError{Field: "command", Reason: fmt.Sprintf("unknown command %q", cmd)}
	}

	body := map[string]interface{}{"command": string(cmd)}
	if len(params) > 0 {
		body["params"] = params
	}

	path := fmt.Sprintf("%s/%s/command", entity.FamilyPlayers.Path(), url.PathEscape(id))
	result, err := p.gateway.Do(ctx, "POST", path, body)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Players.SendCommand] %s", cmd)
	}
	return result.Data, nil
}
