package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNodeStatusValues(t *testing.T) {
	if NodeStatusOnline != "online" {
		t.Errorf("NodeStatusOnline = %q", NodeStatusOnline)
	}
	if NodeStatusOffline != "offline" {
		t.Errorf("NodeStatusOffline = %q", NodeStatusOffline)
	}
	if NodeStatusUnreachable != "unreachable" {
		t.Errorf("NodeStatusUnreachable = %q", NodeStatusUnreachable)
	}
}

func TestNodeJSONOmitsDeviceToken(t *testing.T) {
	n := Node{
		ID:          "node-1",
		Name:        "shed",
		Host:        "192.168.1.10",
		Port:        8931,
		Status:      NodeStatusOnline,
		LastSeen:    time.Now(),
		DeviceToken: "secret-token-value",
		Metadata:    map[string]string{"env": "prod"},
	}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "secret-token-value") {
		t.Error("device token leaked into JSON")
	}
	if !strings.Contains(string(data), `"host":"192.168.1.10"`) {
		t.Errorf("host missing from JSON: %s", data)
	}
}

func TestNodeJSONRoundTrip(t *testing.T) {
	n := Node{
		ID:        "node-1",
		Status:    NodeStatusUnreachable,
		ToolsHash: "abc123",
		Tools: []AdvertisedTool{{
			Name:     "node_node_1_lamp_a1b2c3_switch",
			DeviceID: "0xdeadbeef",
			Actions:  []string{"ON", "OFF", "TOGGLE"},
		}},
	}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Node
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != n.ID || back.Status != n.Status || back.ToolsHash != n.ToolsHash {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if len(back.Tools) != 1 || back.Tools[0].Name != n.Tools[0].Name {
		t.Errorf("tools lost in round trip: %+v", back.Tools)
	}
}
