package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/uorocketry/rgs-sub000/internal/radio"
)

var ErrUnknownCommand = errors.New("outbox: unknown command type")

// PermanentError marks a record that can never be sent as stored: an unknown
// command type or parameters that do not decode.
type PermanentError struct {
	CommandType string
	Err         error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("outbox: %s: %v", e.CommandType, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

type decodeFunc func(params *string) (radio.CommandData, error)

var decoders = map[string]decodeFunc{
	"DeployDrogue": func(p *string) (radio.CommandData, error) {
		var v struct {
			Val *bool `json:"val"`
		}
		if err := decodeParams(p, &v); err != nil {
			return nil, err
		}
		if v.Val == nil {
			return nil, errors.New(`missing "val"`)
		}
		return radio.DeployDrogue{Val: *v.Val}, nil
	},
	"DeployMain": func(p *string) (radio.CommandData, error) {
		var v struct {
			Val *bool `json:"val"`
		}
		if err := decodeParams(p, &v); err != nil {
			return nil, err
		}
		if v.Val == nil {
			return nil, errors.New(`missing "val"`)
		}
		return radio.DeployMain{Val: *v.Val}, nil
	},
	"PowerDown": func(p *string) (radio.CommandData, error) {
		if p == nil {
			return nil, errors.New("missing parameters")
		}
		var v struct {
			Board string `json:"board"`
		}
		if err := decodeParams(p, &v); err != nil {
			return nil, err
		}
		board, err := radio.ParseNode(v.Board)
		if err != nil || board == radio.NodeUnspecified || board == radio.NodeGroundStation {
			return nil, fmt.Errorf("invalid board name: %q", v.Board)
		}
		return radio.PowerDown{Board: board}, nil
	},
	"RadioRateChange": func(p *string) (radio.CommandData, error) {
		if p == nil {
			return nil, errors.New("missing parameters")
		}
		var v struct {
			Rate string `json:"rate"`
		}
		if err := decodeParams(p, &v); err != nil {
			return nil, err
		}
		switch v.Rate {
		case "Fast":
			return radio.RadioRateChange{Rate: radio.RateFast}, nil
		case "Slow":
			return radio.RadioRateChange{Rate: radio.RateSlow}, nil
		default:
			return nil, fmt.Errorf("invalid radio rate: %q", v.Rate)
		}
	},
	// A Ping without an id gets one from the dispatcher.
	"Ping": func(p *string) (radio.CommandData, error) {
		var v struct {
			ID uint32 `json:"id"`
		}
		if err := decodeParams(p, &v); err != nil {
			return nil, err
		}
		if v.ID >= radio.PingIDMonitor {
			return nil, fmt.Errorf("ping id %d is reserved for the link monitor", v.ID)
		}
		return radio.Ping{ID: v.ID}, nil
	},
	"PowerUpCamera": func(*string) (radio.CommandData, error) {
		return radio.PowerUpCamera{}, nil
	},
	"PowerDownCamera": func(*string) (radio.CommandData, error) {
		return radio.PowerDownCamera{}, nil
	},
	"Online": func(p *string) (radio.CommandData, error) {
		v := struct {
			Online bool `json:"online"`
		}{Online: true}
		if err := decodeParams(p, &v); err != nil {
			return nil, err
		}
		return radio.Online{Online: v.Online}, nil
	},
}

// Resolve turns a stored command type and its JSON parameters into the
// command sent to target. Every error is a *PermanentError.
func Resolve(commandType string, params *string, target radio.Node) (radio.Command, error) {
	decode, ok := decoders[commandType]
	if !ok {
		return radio.Command{}, &PermanentError{CommandType: commandType, Err: ErrUnknownCommand}
	}
	data, err := decode(params)
	if err != nil {
		return radio.Command{}, &PermanentError{CommandType: commandType, Err: err}
	}
	return radio.Command{Node: target, Data: data}, nil
}

// CommandTypes lists the accepted command type names.
func CommandTypes() []string {
	out := make([]string, 0, len(decoders))
	for name := range decoders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// decodeParams treats absent parameters as an empty object.
func decodeParams(p *string, v any) error {
	s := "{}"
	if p != nil && *p != "" {
		s = *p
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	return nil
}
