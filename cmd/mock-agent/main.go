// Package main is a stdio ACP agent stub for exercising the broker by hand:
// it reads line-delimited JSON-RPC from stdin and answers on stdout.
//
// Modes:
//
//	echo     answer every request with {"echoed":true}
//	sleep    never answer; useful for timeout testing
//	session  minimal session lifecycle: session/new returns a fresh
//	         sessionId, session/prompt streams one session/update chunk
//	         and ends the turn
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
)

func main() {
	mode := flag.String("mode", "echo", "agent behaviour: echo, sleep, session")
	flag.Parse()

	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	sessions := make(map[string]bool)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: bad frame: %v\n", err)
			continue
		}

		id, hasID := msg["id"]
		method, _ := msg["method"].(string)
		if !hasID || id == nil {
			continue // notifications need no reply
		}

		switch *mode {
		case "sleep":
			continue
		case "session":
			writeLine(out, sessionReply(id, method, msg, sessions, out))
		default:
			writeLine(out, map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  map[string]any{"echoed": true, "method": method},
			})
		}
	}
}

// sessionReply implements just enough of the session lifecycle for manual
// end-to-end runs.
func sessionReply(id any, method string, msg map[string]any, sessions map[string]bool, out *bufio.Writer) map[string]any {
	params, _ := msg["params"].(map[string]any)

	switch method {
	case "initialize":
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]any{
				"protocolVersion": 1,
				"agentCapabilities": map[string]any{
					"loadSession": true,
				},
			},
		}
	case "session/new":
		sid := uuid.New().String()
		sessions[sid] = true
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]any{"sessionId": sid},
		}
	case "session/load":
		sid, _ := params["sessionId"].(string)
		if !sessions[sid] {
			return map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"error":   map[string]any{"code": -32000, "message": "Session not found"},
			}
		}
		return map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}}
	case "session/prompt":
		sid, _ := params["sessionId"].(string)
		writeLine(out, map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params": map[string]any{
				"sessionId": sid,
				"update": map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]any{"type": "text", "text": "ok"},
				},
			},
		})
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]any{"stopReason": "end_turn"},
		}
	default:
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]any{},
		}
	}
}

func writeLine(out *bufio.Writer, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: encode failed: %v\n", err)
		return
	}
	out.Write(data)
	out.WriteByte('\n')
	out.Flush()
}
