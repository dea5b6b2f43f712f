// Package mgmtapi implements the remote-management JSON protocol and the
// metrics HTTP listener named in spec.md §6 "Management protocol" and
// "Metrics" — both explicitly out-of-core-scope interfaces (spec.md §1)
// that are still fully built per SPEC_FULL.md's ambient stack.
package mgmtapi

import "encoding/json"

// Command names the 18 management operations spec.md §6 lists.
type Command string

const (
	CmdFlush          Command = "FLUSH"
	CmdEnableDB       Command = "ENABLEDB"
	CmdDisableDB      Command = "DISABLEDB"
	CmdGracefully     Command = "GRACEFULLY"
	CmdShutdown       Command = "SHUTDOWN"
	CmdCancelShutdown Command = "CANCEL_SHUTDOWN"
	CmdStatus         Command = "STATUS"
	CmdDetails        Command = "DETAILS"
	CmdPing           Command = "PING"
	CmdClear          Command = "CLEAR"
	CmdClearServer    Command = "CLEAR_SERVER"
	CmdSwitchTo       Command = "SWITCH_TO"
	CmdReload         Command = "RELOAD"
	CmdConfigLs       Command = "CONFIG_LS"
	CmdConfigGet      Command = "CONFIG_GET"
	CmdConfigSet      Command = "CONFIG_SET"
	CmdConfigAlias    Command = "CONFIG_ALIAS"
	CmdGetPassword    Command = "GET_PASSWORD"
)

// Header is the envelope's command identifier, present on both requests
// and responses (the response echoes the request's command).
type Header struct {
	Command Command `json:"command"`
}

// Request is one JSON envelope read off the management socket. Only the
// fields a given command needs are populated; the rest are zero values.
type Request struct {
	Header   Header `json:"header"`
	Database string `json:"database,omitempty"`
	Server   string `json:"server,omitempty"`
	Username string `json:"username,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    string `json:"value,omitempty"`
	Alias    string `json:"alias,omitempty"`
}

// Response is the JSON envelope written back. Data carries
// command-specific payloads (STATUS, DETAILS, CONFIG_LS, CONFIG_GET,
// GET_PASSWORD); Error is set instead of Data on failure.
type Response struct {
	Header  Header      `json:"header"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(cmd Command, data interface{}) *Response {
	return &Response{Header: Header{Command: cmd}, Success: true, Data: data}
}

func fail(cmd Command, err error) *Response {
	return &Response{Header: Header{Command: cmd}, Success: false, Error: err.Error()}
}

// encode marshals r to a single JSON line.
func (r *Response) encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
