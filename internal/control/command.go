package control

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Opcode identifies a control command. The numeric values are part of the
// control protocol and never change.
type Opcode int

const (
	StartStream      Opcode = 1
	StopStream       Opcode = 2
	StartAudio       Opcode = 3
	StopAudio        Opcode = 4
	DisconnectStream Opcode = 10
	SetIPPort        Opcode = 20
	SetMode          Opcode = 21
	GetStatus        Opcode = 30
)

var opcodeNames = map[Opcode]string{
	StartStream:      "START_STREAM",
	StopStream:       "STOP_STREAM",
	StartAudio:       "START_AUDIO",
	StopAudio:        "STOP_AUDIO",
	DisconnectStream: "DISCONNECT_STREAM",
	SetIPPort:        "SET_IP_PORT",
	SetMode:          "SET_MODE",
	GetStatus:        "GET_STATUS",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", int(o))
}

// ParseOpcode accepts either the symbolic name or the number
func ParseOpcode(s string) (Opcode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for op, name := range opcodeNames {
		if s == name || s == fmt.Sprint(int(op)) {
			return op, nil
		}
	}
	return 0, errors.Errorf("unknown opcode %q", s)
}

// Command is one control request. IP/Port are used by SET_IP_PORT and Mode
// by SET_MODE.
type Command struct {
	Op   Opcode `json:"op"`
	IP   string `json:"ip,omitempty"`
	Port string `json:"port,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// Reply answers a Command. Status is filled for every reply.
type Reply struct {
	Op      Opcode `json:"op"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  Status `json:"status"`
}

// Status is a point-in-time view of the controller
type Status struct {
	StreamRunning       bool   `json:"stream_running"`
	StreamStopRequested bool   `json:"stream_stop_requested"`
	AudioRunning        bool   `json:"audio_running"`
	AudioStopRequested  bool   `json:"audio_stop_requested"`
	Mode                string `json:"mode"`
	Selected            string `json:"selected"`
	Transport           string `json:"transport"`
	Endpoint            string `json:"endpoint,omitempty"`
	Buffered            int    `json:"buffered"`
	Dropped             uint64 `json:"dropped"`
	LastError           string `json:"last_error,omitempty"`
}
