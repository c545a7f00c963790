package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acprelay/acprelay/internal/gitws"
	"github.com/acprelay/acprelay/internal/session"
	"github.com/acprelay/acprelay/pkg/jsonrpc"
)

// stopReasons is the closed set of values an agent may end a prompt turn
// with. Anything else is coerced to end_turn.
var stopReasons = map[string]bool{
	"end_turn":          true,
	"max_tokens":        true,
	"max_turn_requests": true,
	"refusal":           true,
	"cancelled":         true,
}

func (c *Conn) dispatch(env jsonrpc.Envelope) {
	switch jsonrpc.Classify(env) {
	case jsonrpc.KindNotification:
		c.handleNotification(env)
	case jsonrpc.KindRequest:
		c.handleRequest(env)
	default:
		c.sendEnvelope(jsonrpc.NewError(jsonrpc.ID(env), jsonrpc.CodeInvalidRequest, "Invalid request"))
	}
}

// handleNotification relays a client notification to the owning runtime:
// the session's when the params name one, else this connection's.
func (c *Conn) handleNotification(env jsonrpc.Envelope) {
	rt := c.rt
	if sid := jsonrpc.SessionID(jsonrpc.Params(env)); sid != "" {
		if rec, ok := c.server.registry.Get(sid); ok {
			rt = rec.Runtime
			c.server.registry.Touch(sid)
		}
	}
	if err := rt.SendNotification(env); err != nil {
		c.logger.Warn("notification relay failed",
			zap.String("method", jsonrpc.Method(env)),
			zap.Error(err))
	}
}

func (c *Conn) handleRequest(env jsonrpc.Envelope) {
	id := jsonrpc.ID(env)
	method := jsonrpc.Method(env)
	c.requestMethodByID[idKey(id)] = method

	switch method {
	case "session/new":
		c.handleSessionNew(env, id)
	case "session/load":
		c.handleSessionLoad(env, id)
	case "session/prompt":
		c.handleSessionPrompt(env, id)
	default:
		reply := c.rt.SendRequest(stripEnvelopeMeta(env), c.requestTimeout(env))
		c.sendResponse(jsonrpc.NormalizeResponse(reply, id))
	}
}

// handleSessionNew prepares a git workspace when the request carries remote
// metadata, then forwards the creation to the runtime with the workspace
// injected as cwd.
func (c *Conn) handleSessionNew(env jsonrpc.Envelope, id any) {
	params := jsonrpc.Params(env)
	remote := extractRemote(params)

	// Without full remote metadata the session is a plain local one.
	if remote == nil {
		reply := c.rt.SendRequest(stripEnvelopeMeta(env), c.requestTimeout(env))
		resp := jsonrpc.NormalizeResponse(reply, id)
		if sid := sessionIDFromResult(resp); sid != "" {
			c.server.registry.Ensure(sid, c.rt)
			c.server.registry.Attach(c, sid)
		}
		c.sendResponse(resp)
		return
	}

	runID := uuid.New().String()
	c.notifyProgress("session/new", "Preparing git workspace", nil)

	ws, err := c.server.git.EnsureRepoWorkdir(context.Background(), *remote, runID, c.notifyProgress)
	if err != nil {
		c.logger.Error("workspace setup failed", zap.String("run_id", runID), zap.Error(err))
		c.sendResponse(jsonrpc.NewError(id, jsonrpc.CodeServerError, err.Error()))
		return
	}

	// An early push establishes the target branch on the origin; failure is
	// recorded but does not block session creation.
	target, pushErr := c.server.git.EnsureCommittedAndPushed(context.Background(), ws, c.notifyProgress)
	if pushErr != nil {
		c.logger.Warn("initial push failed", zap.String("run_id", runID), zap.Error(pushErr))
	}
	c.notifyProgress("session/new", "Starting ACP session", nil)

	forwarded := stripEnvelopeMeta(env)
	forwardedParams := jsonrpc.StripMeta(params)
	forwardedParams["cwd"] = ws.Workdir
	forwarded["params"] = forwardedParams

	reply := c.rt.SendRequest(forwarded, c.requestTimeout(env))
	resp := jsonrpc.NormalizeResponse(reply, id)

	if sid := sessionIDFromResult(resp); sid != "" {
		c.server.registry.Ensure(sid, c.rt)
		c.server.registry.SetGitContext(sid, ws)
		c.server.registry.Attach(c, sid)
	}
	if result, ok := resp["result"].(map[string]any); ok && pushErr == nil && target != nil {
		attachTarget(result, target)
	}
	c.sendResponse(resp)
}

// handleSessionLoad reattaches a client to an existing session, restoring
// the recorded workspace cwd.
func (c *Conn) handleSessionLoad(env jsonrpc.Envelope, id any) {
	params := jsonrpc.Params(env)
	sid := jsonrpc.SessionID(params)
	if sid == "" {
		c.sendResponse(jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "sessionId is required"))
		return
	}
	rec, ok := c.server.registry.Get(sid)
	if !ok {
		c.sendResponse(jsonrpc.NewError(id, jsonrpc.CodeServerError, "Session not found"))
		return
	}

	c.server.registry.Attach(c, sid)
	c.server.registry.Touch(sid)

	forwarded := stripEnvelopeMeta(env)
	if rec.Git != nil {
		forwardedParams := jsonrpc.StripMeta(params)
		forwardedParams["cwd"] = rec.Git.Workdir
		forwarded["params"] = forwardedParams
	}

	reply := rec.Runtime.SendRequest(forwarded, c.requestTimeout(env))
	c.sendResponse(jsonrpc.NormalizeResponse(reply, id))
}

// handleSessionPrompt forwards a prompt turn, normalises the stopReason and,
// for git-backed sessions, commits and pushes what the agent changed.
func (c *Conn) handleSessionPrompt(env jsonrpc.Envelope, id any) {
	sid := jsonrpc.SessionID(jsonrpc.Params(env))

	rt := c.rt
	var rec *session.Record
	if sid != "" {
		if found, ok := c.server.registry.Get(sid); ok {
			rec = found
			rt = found.Runtime
			c.server.registry.Touch(sid)
		}
	}

	reply := rt.SendRequest(stripEnvelopeMeta(env), c.requestTimeout(env))
	resp := jsonrpc.NormalizeResponse(reply, id)
	c.normalizePromptResult(resp)

	if rec != nil && rec.Git != nil {
		target, err := c.server.git.EnsureCommittedAndPushed(context.Background(), rec.Git, c.notifyProgress)
		if err != nil {
			c.logger.Warn("post-prompt push failed",
				zap.String("session_id", sid),
				zap.Error(err))
		} else if result, ok := resp["result"].(map[string]any); ok {
			attachTarget(result, target)
		}
	}
	c.sendResponse(resp)
}

// normalizePromptResult enforces the prompt response contract: result is an
// object with a stopReason from the closed set, and _meta is an object or
// null.
func (c *Conn) normalizePromptResult(resp jsonrpc.Envelope) {
	raw, ok := resp["result"]
	if !ok {
		return
	}

	// Null and other non-object results are coerced so the client always
	// sees an object carrying a stopReason.
	result, isMap := raw.(map[string]any)
	if !isMap {
		if s, isStr := raw.(string); isStr {
			result = map[string]any{"stopReason": s}
		} else {
			result = map[string]any{}
		}
		resp["result"] = result
	}

	reason, _ := result["stopReason"].(string)
	if !stopReasons[reason] {
		if reason != "" {
			c.logger.Warn("unknown stopReason coerced", zap.String("stop_reason", reason))
		} else {
			c.logger.Warn("prompt response missing stopReason")
		}
		result["stopReason"] = "end_turn"
	}

	if meta, present := result["_meta"]; present {
		if _, isObj := meta.(map[string]any); !isObj {
			result["_meta"] = nil
		}
	}
}

func (c *Conn) sendResponse(resp jsonrpc.Envelope) {
	key := idKey(jsonrpc.ID(resp))
	method := c.requestMethodByID[key]
	delete(c.requestMethodByID, key)
	if method != "" {
		c.logger.Debug("response", zap.String("method", method))
	}
	_ = c.sendEnvelope(resp)
}

// requestTimeout applies the configured per-request timeout, overridable by
// a numeric timeoutMs in the request params.
func (c *Conn) requestTimeout(env jsonrpc.Envelope) time.Duration {
	if params := jsonrpc.Params(env); params != nil {
		if ms, ok := params["timeoutMs"].(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return c.server.cfg.Server.RequestTimeout()
}

// stripEnvelopeMeta shallow-copies an envelope, removing _meta from its
// params. Envelopes without params pass through untouched.
func stripEnvelopeMeta(env jsonrpc.Envelope) jsonrpc.Envelope {
	out := make(jsonrpc.Envelope, len(env))
	for k, v := range env {
		out[k] = v
	}
	if params, ok := env["params"].(map[string]any); ok {
		out["params"] = jsonrpc.StripMeta(params)
	}
	return out
}

// extractRemote pulls _meta.remote out of session/new params. Both url and
// revision are required for the git path; anything less falls back to a
// plain session.
func extractRemote(params map[string]any) *gitws.Remote {
	meta, _ := params["_meta"].(map[string]any)
	raw, _ := meta["remote"].(map[string]any)
	if raw == nil {
		return nil
	}
	remote := &gitws.Remote{}
	remote.URL, _ = raw["url"].(string)
	remote.Branch, _ = raw["branch"].(string)
	remote.Revision, _ = raw["revision"].(string)
	if remote.URL == "" || remote.Revision == "" {
		return nil
	}
	return remote
}

func sessionIDFromResult(resp jsonrpc.Envelope) string {
	result, ok := resp["result"].(map[string]any)
	if !ok {
		return ""
	}
	return jsonrpc.SessionID(result)
}

// attachTarget records the pushed branch under result._meta.target.
func attachTarget(result map[string]any, target *gitws.Target) {
	meta, ok := result["_meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		result["_meta"] = meta
	}
	meta["target"] = map[string]any{
		"url":      target.URL,
		"branch":   target.Branch,
		"revision": target.Revision,
	}
}

func idKey(id any) string {
	return fmt.Sprintf("%T:%v", id, id)
}
