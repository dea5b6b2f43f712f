package mgmtapi

import "fmt"

// Dispatch routes one decoded Request to the Backend and returns the
// Response to write back. It never panics on a malformed request; unknown
// commands and missing arguments become Success:false responses.
func Dispatch(b Backend, req *Request) *Response {
	cmd := req.Header.Command
	switch cmd {
	case CmdFlush:
		b.Flush(req.Database)
		return ok(cmd, nil)

	case CmdEnableDB:
		if req.Database == "" {
			return fail(cmd, fmt.Errorf("database is required"))
		}
		b.EnableDatabase(req.Database)
		return ok(cmd, nil)

	case CmdDisableDB:
		if req.Database == "" {
			return fail(cmd, fmt.Errorf("database is required"))
		}
		b.DisableDatabase(req.Database)
		return ok(cmd, nil)

	case CmdGracefully:
		b.SetGracefully(true)
		return ok(cmd, nil)

	case CmdShutdown:
		b.RequestShutdown()
		return ok(cmd, nil)

	case CmdCancelShutdown:
		cancelled := b.CancelShutdown()
		return ok(cmd, map[string]bool{"cancelled": cancelled})

	case CmdStatus:
		return ok(cmd, b.Status())

	case CmdDetails:
		return ok(cmd, b.Details())

	case CmdPing:
		return ok(cmd, map[string]bool{"alive": b.Ping()})

	case CmdClear:
		b.Clear()
		return ok(cmd, nil)

	case CmdClearServer:
		if req.Server == "" {
			return fail(cmd, fmt.Errorf("server is required"))
		}
		if err := b.ClearServer(req.Server); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case CmdSwitchTo:
		if req.Server == "" {
			return fail(cmd, fmt.Errorf("server is required"))
		}
		if err := b.SwitchTo(req.Server); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case CmdReload:
		if err := b.Reload(); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case CmdConfigLs:
		return ok(cmd, b.ConfigList())

	case CmdConfigGet:
		if req.Key == "" {
			return fail(cmd, fmt.Errorf("key is required"))
		}
		v, found := b.ConfigGet(req.Key)
		if !found {
			return fail(cmd, fmt.Errorf("unknown key %q", req.Key))
		}
		return ok(cmd, map[string]string{"key": req.Key, "value": v})

	case CmdConfigSet:
		if req.Key == "" {
			return fail(cmd, fmt.Errorf("key is required"))
		}
		if err := b.ConfigSet(req.Key, req.Value); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case CmdConfigAlias:
		if req.Database == "" || req.Alias == "" {
			return fail(cmd, fmt.Errorf("database and alias are required"))
		}
		if err := b.ConfigAlias(req.Database, req.Alias); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case CmdGetPassword:
		if req.Username == "" {
			return fail(cmd, fmt.Errorf("username is required"))
		}
		password, found := b.GetPassword(req.Username)
		if !found {
			return fail(cmd, fmt.Errorf("unknown user %q", req.Username))
		}
		return ok(cmd, map[string]string{"username": req.Username, "password": password})

	default:
		return fail(cmd, fmt.Errorf("unknown command %q", cmd))
	}
}
