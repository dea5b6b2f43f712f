package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"
)

// pgagroal-cli is a thin client over the trusted local management socket,
// covering the handful of operator commands a CLI realistically needs day
// to day (spec.md §6): PING, STATUS, FLUSH, GRACEFULLY, SHUTDOWN. The
// remaining management commands (CLEAR_SERVER, SWITCH_TO, RELOAD, the
// CONFIG_* family, GET_PASSWORD) are reachable over the same socket with
// any JSON-line client; this tool intentionally doesn't grow a flag for
// every one of them.
func main() {
	socketPath := flag.String("socket", "/tmp/.s.PGSQL.2346.mgmt", "path to the management unix socket")
	database := flag.String("database", "", "database name, for flush")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pgagroal-cli [-socket path] [-database name] <ping|status|flush|gracefully|shutdown>")
		os.Exit(2)
	}

	var req map[string]interface{}
	switch args[0] {
	case "ping":
		req = header("PING")
	case "status":
		req = header("STATUS")
	case "flush":
		req = header("FLUSH")
		req["database"] = *database
	case "gracefully":
		req = header("GRACEFULLY")
	case "shutdown":
		req = header("SHUTDOWN")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		os.Exit(2)
	}

	resp, err := send(*socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgagroal-cli: %v\n", err)
		os.Exit(1)
	}

	success, _ := resp["success"].(bool)
	if !success {
		fmt.Fprintf(os.Stderr, "pgagroal-cli: %v\n", resp["error"])
		os.Exit(1)
	}
	if data, ok := resp["data"]; ok && data != nil {
		pretty, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(pretty))
	} else {
		fmt.Println("ok")
	}
}

func header(cmd string) map[string]interface{} {
	return map[string]interface{}{"header": map[string]string{"command": cmd}}
}

func send(socketPath string, req map[string]interface{}) (map[string]interface{}, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}
