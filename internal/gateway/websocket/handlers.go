package websocket

import (
	"context"
	"strings"

	"github.com/paseo-ai/paseo/internal/agent/manager"
	"github.com/paseo-ai/paseo/internal/provider"
	ws "github.com/paseo-ai/paseo/pkg/websocket"
)

// RegisterAgentHandlers wires the agent request surface into the dispatcher.
func RegisterAgentHandlers(d *ws.Dispatcher, mgr *manager.Manager) {
	d.RegisterFunc(ws.TypePing, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewMessage(ws.TypePong, msg.RequestID, nil)
	})

	d.RegisterFunc(ws.TypeCreateAgentRequest, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload ws.CreateAgentPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"), nil
		}
		if payload.Provider == "" || payload.Cwd == "" {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "provider and cwd are required"), nil
		}

		extra := make(map[string]any, len(payload.Extra))
		for k, v := range payload.Extra {
			extra[k] = v
		}
		snap, err := mgr.CreateAgent(ctx, manager.CreateConfig{
			Provider:     payload.Provider,
			Cwd:          payload.Cwd,
			ModeID:       payload.ModeID,
			Model:        payload.Model,
			Title:        payload.Title,
			WorktreeName: payload.WorktreeName,
			Extra:        extra,
		})
		if err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, err.Error()), nil
		}
		return ws.NewMessage(ws.TypeAgentUpsert, msg.RequestID, snap)
	})

	d.RegisterFunc(ws.TypeSendMessageRequest, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload ws.SendMessagePayload
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"), nil
		}
		if payload.AgentID == "" {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "agentId is required"), nil
		}
		err := mgr.SendMessage(payload.AgentID, manager.MessageInput{
			Text:            payload.Text,
			Images:          payload.Images,
			ClientMessageID: payload.ClientMessageID,
		})
		if err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeNotFound, err.Error()), nil
		}
		return ws.NewStatusOK(msg.RequestID), nil
	})

	d.RegisterFunc(ws.TypeCancelAgentRequest, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload ws.CancelAgentPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"), nil
		}
		if err := mgr.CancelAgent(payload.AgentID); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeNotFound, err.Error()), nil
		}
		return ws.NewStatusOK(msg.RequestID), nil
	})

	d.RegisterFunc(ws.TypeDeleteAgentRequest, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload ws.DeleteAgentPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"), nil
		}
		if err := mgr.DeleteAgent(payload.AgentID); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeNotFound, err.Error()), nil
		}
		return ws.NewStatusOK(msg.RequestID), nil
	})

	d.RegisterFunc(ws.TypeResumeAgentRequest, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload ws.ResumeAgentPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"), nil
		}
		if payload.Provider == "" || payload.SessionID == "" {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "provider and sessionId are required"), nil
		}

		handle := provider.Handle{
			Provider:  payload.Provider,
			SessionID: payload.SessionID,
			Cwd:       payload.Cwd,
			Model:     payload.Model,
		}
		if payload.NativeHandle != "" || len(payload.Metadata) > 0 {
			handle.Extra = make(map[string]any, len(payload.Metadata)+1)
			if payload.NativeHandle != "" {
				handle.Extra["nativeHandle"] = payload.NativeHandle
			}
			for k, v := range payload.Metadata {
				handle.Extra[k] = v
			}
		}

		snap, err := mgr.ResumeAgent(ctx, handle, manager.ResumeOverrides{
			Cwd:   payload.Cwd,
			Model: payload.Model,
		}, payload.PreferredID)
		if err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, err.Error()), nil
		}
		return ws.NewMessage(ws.TypeAgentUpsert, msg.RequestID, snap)
	})

	d.RegisterFunc(ws.TypeListPersistedAgentsRequest, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload ws.ListPersistedAgentsPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"), nil
		}
		sessions, err := mgr.ListPersistedAgents(ctx, manager.ListPersistedOptions{
			Provider: payload.Provider,
			Limit:    payload.Limit,
		})
		if err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, err.Error()), nil
		}

		agents := make([]ws.PersistedAgent, 0, len(sessions))
		for _, sess := range sessions {
			agents = append(agents, persistedAgent(sess))
		}
		return ws.NewMessage(ws.TypeListPersistedAgentsResponse, msg.RequestID,
			ws.ListPersistedAgentsResponse{Agents: agents})
	})

	d.RegisterFunc(ws.TypeGitDiffRequest, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload ws.GitDiffPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeBadRequest, "invalid payload"), nil
		}
		snap, err := mgr.GetAgent(payload.AgentID)
		if err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeNotFound, err.Error()), nil
		}
		diff, truncated, err := workingTreeDiff(ctx, snap.Cwd)
		if err != nil {
			return ws.NewStatusError(msg.RequestID, ws.ErrorCodeInternal, err.Error()), nil
		}
		return ws.NewMessage(ws.TypeGitDiffResponse, msg.RequestID, ws.GitDiffResponse{
			AgentID:   payload.AgentID,
			Diff:      diff,
			Truncated: truncated,
		})
	})
}

func persistedAgent(sess provider.PersistedSession) ws.PersistedAgent {
	out := ws.PersistedAgent{
		Provider:       sess.Handle.Provider,
		SessionID:      sess.SessionID,
		Cwd:            sess.Cwd,
		Title:          sess.Title,
		LastActivityAt: sess.LastActivityAt,
	}
	if len(sess.Handle.Extra) > 0 {
		out.Metadata = make(map[string]string, len(sess.Handle.Extra))
		for k, v := range sess.Handle.Extra {
			if s, ok := v.(string); ok {
				if k == "nativeHandle" {
					out.NativeHandle = s
					continue
				}
				out.Metadata[k] = s
			}
		}
		if len(out.Metadata) == 0 {
			out.Metadata = nil
		}
	}
	return out
}

// normalizeHost strips a port from a Host header value.
func normalizeHost(host string) string {
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
