// Package radio implements the application message carried inside a frame
// payload: a length-delimited protobuf RadioFrame tagged with its origin node
// and holding one of Command, SensorSample, LogEntry or StateUpdate.
package radio

import (
	"fmt"
)

// Node mirrors the common.Node enum of the vehicle schema.
type Node int32

const (
	NodeUnspecified Node = iota
	NodeGroundStation
	NodePressureBoard
	NodeStrainBoard
	NodeTemperatureBoard
	NodeRecoveryBoard
	NodeCommunicationBoard
	NodeCameraBoard
	NodeBeaconBoard
)

var nodeNames = map[Node]string{
	NodeUnspecified:        "Unspecified",
	NodeGroundStation:      "GroundStation",
	NodePressureBoard:      "PressureBoard",
	NodeStrainBoard:        "StrainBoard",
	NodeTemperatureBoard:   "TemperatureBoard",
	NodeRecoveryBoard:      "RecoveryBoard",
	NodeCommunicationBoard: "CommunicationBoard",
	NodeCameraBoard:        "CameraBoard",
	NodeBeaconBoard:        "BeaconBoard",
}

func (n Node) String() string {
	if s, ok := nodeNames[n]; ok {
		return s
	}
	return fmt.Sprintf("Node(%d)", int32(n))
}

// ParseNode resolves a node by its schema name.
func ParseNode(s string) (Node, error) {
	for n, name := range nodeNames {
		if name == s {
			return n, nil
		}
	}
	return NodeUnspecified, fmt.Errorf("radio: unknown node %q", s)
}

// RadioRate selects the vehicle radio's transmit schedule.
type RadioRate int32

const (
	RateSlow RadioRate = iota
	RateFast
)

func (r RadioRate) String() string {
	switch r {
	case RateFast:
		return "Fast"
	case RateSlow:
		return "Slow"
	default:
		return fmt.Sprintf("RadioRate(%d)", int32(r))
	}
}

// Message is one decoded RadioFrame. Exactly one of Command, Sensor, Log and
// State is set.
type Message struct {
	Node             Node
	MillisSinceStart uint64

	Command *Command
	Sensor  *SensorSample
	Log     *LogEntry
	State   *StateUpdate
}

// Kind names the payload variant, for storage and logging.
func (m *Message) Kind() string {
	switch {
	case m.Command != nil:
		return "command"
	case m.Sensor != nil:
		return "sensor"
	case m.Log != nil:
		return "log"
	case m.State != nil:
		return "state"
	default:
		return "empty"
	}
}

// SensorSample is kept opaque: the sensor schema is owned by the vehicle
// firmware, the ground link only routes and stores it.
type SensorSample struct {
	Component uint32
	Data      []byte
}

type LogEntry struct {
	Level uint32
	Event string
}

type StateUpdate struct {
	State uint32
}

// Command is addressed to a vehicle node and carries exactly one CommandData.
type Command struct {
	Node Node
	Data CommandData
}

// CommandData is the closed set of command variants.
type CommandData interface {
	isCommandData()
	fieldNumber() int32
}

type DeployDrogue struct{ Val bool }
type DeployMain struct{ Val bool }
type PowerDown struct{ Board Node }
type RadioRateChange struct{ Rate RadioRate }
// PingIDMonitor marks ping ids owned by the link monitor. Queued Ping
// commands use ids below it so their pongs never match a monitor ping.
const PingIDMonitor uint32 = 1 << 31

type Ping struct{ ID uint32 }
type Pong struct{ ID uint32 }
type PowerUpCamera struct{}
type PowerDownCamera struct{}
type Online struct{ Online bool }

func (DeployDrogue) isCommandData()    {}
func (DeployMain) isCommandData()      {}
func (PowerDown) isCommandData()       {}
func (RadioRateChange) isCommandData() {}
func (Ping) isCommandData()            {}
func (Pong) isCommandData()            {}
func (PowerUpCamera) isCommandData()   {}
func (PowerDownCamera) isCommandData() {}
func (Online) isCommandData()          {}

// CommandName returns the variant's schema name.
func CommandName(d CommandData) string {
	switch d.(type) {
	case DeployDrogue:
		return "DeployDrogue"
	case DeployMain:
		return "DeployMain"
	case PowerDown:
		return "PowerDown"
	case RadioRateChange:
		return "RadioRateChange"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case PowerUpCamera:
		return "PowerUpCamera"
	case PowerDownCamera:
		return "PowerDownCamera"
	case Online:
		return "Online"
	default:
		return "Unknown"
	}
}
