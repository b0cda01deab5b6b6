package websocket

import "time"

// RecencyWindow is how long after the last reported activity a client still
// counts as present.
const RecencyWindow = 120 * time.Second

// Attention reasons sent to clients.
const (
	ReasonTurnComplete = "turn_complete"
	ReasonError        = "error"
)

// ClientState is one connected client's latest heartbeat, as the attention
// policy sees it.
type ClientState struct {
	ClientID       string
	DeviceType     string // web, mobile, cli, unknown
	FocusedAgentID string
	LastActivityAt time.Time
	AppVisible     bool
	HasHeartbeat   bool
}

func (s ClientState) recent(now time.Time) bool {
	return s.HasHeartbeat && now.Sub(s.LastActivityAt) < RecencyWindow
}

// watching reports whether this client is actively looking at the agent.
func (s ClientState) watching(agentID string, now time.Time) bool {
	return s.FocusedAgentID == agentID && s.AppVisible && s.recent(now)
}

// DecideAttention computes, per connected client, whether the client should be
// notified that a turn on agentID completed or failed. It is a pure function
// of the heartbeats and the clock:
//
//   - a client that never sent a heartbeat is notified (safe default)
//   - nobody is notified while some client is watching the agent
//   - a client with recent activity is not notified (the user is at that
//     device and will see the update)
//   - a stale web client is not notified; stale mobile is, so a phone push
//     still lands when the desk is abandoned
func DecideAttention(clients []ClientState, agentID string, now time.Time) map[string]bool {
	anyWatching := false
	for _, c := range clients {
		if c.watching(agentID, now) {
			anyWatching = true
			break
		}
	}

	out := make(map[string]bool, len(clients))
	for _, c := range clients {
		switch {
		case !c.HasHeartbeat:
			out[c.ClientID] = true
		case anyWatching:
			out[c.ClientID] = false
		case c.recent(now):
			out[c.ClientID] = false
		case c.DeviceType == "web":
			out[c.ClientID] = false
		default:
			out[c.ClientID] = true
		}
	}
	return out
}
