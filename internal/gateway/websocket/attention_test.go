package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttentionWebFocusedOnAgent(t *testing.T) {
	now := time.Now()
	clients := []ClientState{
		{ClientID: "web-1", DeviceType: "web", FocusedAgentID: "agent-a",
			AppVisible: true, LastActivityAt: now, HasHeartbeat: true},
	}

	got := DecideAttention(clients, "agent-a", now)
	assert.False(t, got["web-1"], "the watching client needs no notification")
}

func TestAttentionStaleWebPrefersMobile(t *testing.T) {
	now := time.Now()
	clients := []ClientState{
		{ClientID: "web-1", DeviceType: "web", FocusedAgentID: "agent-a",
			AppVisible: true, LastActivityAt: now.Add(-125 * time.Second), HasHeartbeat: true},
		{ClientID: "mobile-1", DeviceType: "mobile",
			AppVisible: false, LastActivityAt: now.Add(-300 * time.Second), HasHeartbeat: true},
	}

	got := DecideAttention(clients, "agent-a", now)
	assert.False(t, got["web-1"], "stale web is skipped")
	assert.True(t, got["mobile-1"], "stale mobile gets the push")
}

func TestAttentionTabSwitchedMomentsAgo(t *testing.T) {
	now := time.Now()
	clients := []ClientState{
		{ClientID: "web-1", DeviceType: "web",
			AppVisible: false, LastActivityAt: now.Add(-10 * time.Second), HasHeartbeat: true},
	}

	got := DecideAttention(clients, "agent-a", now)
	assert.False(t, got["web-1"], "recent activity means the user is still at the desk")
}

func TestAttentionNoHeartbeatDefaultsToNotify(t *testing.T) {
	now := time.Now()
	clients := []ClientState{
		{ClientID: "cli-1", DeviceType: "cli"},
	}

	got := DecideAttention(clients, "agent-a", now)
	assert.True(t, got["cli-1"])
}

func TestAttentionWatcherSuppressesEveryone(t *testing.T) {
	now := time.Now()
	clients := []ClientState{
		{ClientID: "web-1", DeviceType: "web", FocusedAgentID: "agent-a",
			AppVisible: true, LastActivityAt: now, HasHeartbeat: true},
		{ClientID: "mobile-1", DeviceType: "mobile",
			LastActivityAt: now.Add(-10 * time.Minute), HasHeartbeat: true},
	}

	got := DecideAttention(clients, "agent-a", now)
	assert.False(t, got["web-1"])
	assert.False(t, got["mobile-1"], "someone else sees it already")
}

func TestAttentionWatcherOfOtherAgentDoesNotSuppress(t *testing.T) {
	now := time.Now()
	clients := []ClientState{
		{ClientID: "web-1", DeviceType: "web", FocusedAgentID: "agent-b",
			AppVisible: true, LastActivityAt: now, HasHeartbeat: true},
		{ClientID: "mobile-1", DeviceType: "mobile",
			LastActivityAt: now.Add(-10 * time.Minute), HasHeartbeat: true},
	}

	got := DecideAttention(clients, "agent-a", now)
	assert.False(t, got["web-1"], "recently active on another agent")
	assert.True(t, got["mobile-1"], "no one is watching agent-a")
}

func TestAttentionBothDevicesRecentlyActive(t *testing.T) {
	now := time.Now()
	clients := []ClientState{
		{ClientID: "web-1", DeviceType: "web",
			LastActivityAt: now.Add(-30 * time.Second), HasHeartbeat: true},
		{ClientID: "mobile-1", DeviceType: "mobile",
			LastActivityAt: now.Add(-60 * time.Second), HasHeartbeat: true},
	}

	got := DecideAttention(clients, "agent-a", now)
	assert.False(t, got["web-1"])
	assert.False(t, got["mobile-1"], "user is present across devices, no nagging")
}

func TestAttentionIsDeterministic(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clients := []ClientState{
		{ClientID: "a", DeviceType: "web", LastActivityAt: now.Add(-200 * time.Second), HasHeartbeat: true},
		{ClientID: "b", DeviceType: "mobile", LastActivityAt: now.Add(-200 * time.Second), HasHeartbeat: true},
		{ClientID: "c", DeviceType: "cli"},
	}

	first := DecideAttention(clients, "agent-a", now)
	second := DecideAttention(clients, "agent-a", now)
	assert.Equal(t, first, second)
	assert.False(t, first["a"])
	assert.True(t, first["b"])
	assert.True(t, first["c"])
}
