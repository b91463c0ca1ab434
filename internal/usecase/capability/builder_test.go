package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"switchyard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBridge records SetState calls and serves a fixed device list.
type recordingBridge struct {
	mu      sync.Mutex
	devices []domain.DeviceRecord
	calls   []stateCall
	err     error
}

type stateCall struct {
	DeviceID string
	Command  string
}

func (b *recordingBridge) ListDevices(_ context.Context) ([]domain.DeviceRecord, error) {
	return b.devices, b.err
}

func (b *recordingBridge) SetState(_ context.Context, deviceID, command string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.calls = append(b.calls, stateCall{DeviceID: deviceID, Command: command})
	return nil
}

func (b *recordingBridge) Calls() []stateCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]stateCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func testBuilder(bridge *recordingBridge) *Builder {
	return NewBuilder(bridge, testLogger(), true)
}

var switchNameRe = regexp.MustCompile(`^node_node1_lamp_[0-9a-f]{6}_switch$`)

func TestBuildEndToEnd(t *testing.T) {
	bridge := &recordingBridge{}
	b := testBuilder(bridge)

	devices := []domain.DeviceRecord{{ID: "A", FriendlyName: "Lamp"}}
	descriptors := b.Build(devices, "node1")
	if len(descriptors) != 1 {
		t.Fatalf("descriptor count = %d, want 1", len(descriptors))
	}

	d := descriptors[0]
	if !switchNameRe.MatchString(d.Name) {
		t.Errorf("name = %q, want match for %s", d.Name, switchNameRe)
	}
	if d.DeviceID != "A" {
		t.Errorf("device id = %q, want A", d.DeviceID)
	}
	if !d.AutoGenerated {
		t.Error("descriptor should be marked auto-generated")
	}

	var schema struct {
		Properties struct {
			State struct {
				Enum []string `json:"enum"`
			} `json:"state"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	wantEnum := []string{"ON", "OFF", "TOGGLE"}
	if len(schema.Properties.State.Enum) != 3 {
		t.Fatalf("enum = %v, want %v", schema.Properties.State.Enum, wantEnum)
	}
	for i, v := range wantEnum {
		if schema.Properties.State.Enum[i] != v {
			t.Errorf("enum[%d] = %q, want %q", i, schema.Properties.State.Enum[i], v)
		}
	}
	if len(schema.Required) != 1 || schema.Required[0] != "state" {
		t.Errorf("required = %v, want [state]", schema.Required)
	}

	// Lower-case argument normalizes to ON and reaches the bridge.
	res, err := d.Handler(context.Background(), map[string]any{"state": "on"})
	if err != nil {
		t.Fatalf("invoke with state=on: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(res.Content), &body); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	calls := bridge.Calls()
	if len(calls) != 1 || calls[0].DeviceID != "A" || calls[0].Command != "ON" {
		t.Errorf("bridge calls = %+v, want one (A, ON)", calls)
	}

	// Unknown state fails validation before the bridge is touched.
	_, err = d.Handler(context.Background(), map[string]any{"state": "purple"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for purple, got: %v", err)
	}
	if got := len(bridge.Calls()); got != 1 {
		t.Errorf("bridge calls after invalid state = %d, want still 1", got)
	}
}

func TestBuildDeterminism(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	devices := []domain.DeviceRecord{
		{ID: "A", FriendlyName: "Lamp"},
		{ID: "B", FriendlyName: "Fan"},
		{ID: "C", FriendlyName: "Heater"},
	}
	reversed := []domain.DeviceRecord{devices[2], devices[1], devices[0]}

	first := b.Build(devices, "node1")
	second := b.Build(reversed, "node1")
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("counts = %d, %d, want 3, 3", len(first), len(second))
	}

	names := func(ds []domain.CapabilityDescriptor) map[string]string {
		m := make(map[string]string)
		for _, d := range ds {
			m[d.DeviceID] = d.Name
		}
		return m
	}
	a, z := names(first), names(second)
	for id, name := range a {
		if z[id] != name {
			t.Errorf("device %s: name %q vs %q across orderings", id, name, z[id])
		}
	}
}

func TestBuildCollisionFreedom(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	// Both identities sanitize to "lamp_a" but must not share a name.
	devices := []domain.DeviceRecord{
		{ID: "1", FriendlyName: "Lamp A"},
		{ID: "2", FriendlyName: "lamp-a"},
	}

	descriptors := b.Build(devices, "node1")
	if len(descriptors) != 2 {
		t.Fatalf("descriptor count = %d, want 2", len(descriptors))
	}
	if descriptors[0].Name == descriptors[1].Name {
		t.Errorf("distinct identities share name %q", descriptors[0].Name)
	}
	for _, d := range descriptors {
		if !strings.Contains(d.Name, "_lamp_a_") {
			t.Errorf("name %q missing shared slug lamp_a", d.Name)
		}
	}
}

func TestBuildSharedFriendlyNameDistinctNames(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	// Two physical devices renamed to the same friendly name: the hardware
	// identity must still keep their capability names apart, or the second
	// would be silently dropped on registry replace.
	devices := []domain.DeviceRecord{
		{ID: "0xaa", FriendlyName: "Lamp"},
		{ID: "0xbb", FriendlyName: "Lamp"},
	}

	descriptors := b.Build(devices, "node1")
	if len(descriptors) != 2 {
		t.Fatalf("descriptor count = %d, want 2", len(descriptors))
	}
	if descriptors[0].Name == descriptors[1].Name {
		t.Errorf("devices %q and %q share name %q",
			descriptors[0].DeviceID, descriptors[1].DeviceID, descriptors[0].Name)
	}
	for i, d := range descriptors {
		if !strings.Contains(d.Name, "_lamp_") {
			t.Errorf("descriptor %d name = %q, want slug from friendly name", i, d.Name)
		}
	}
}

func TestBuildDedupByHardwareID(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	devices := []domain.DeviceRecord{
		{ID: "A", FriendlyName: "Lamp"},
		{ID: "A", FriendlyName: "Lamp"},
		{ID: "A", FriendlyName: "Lamp (renamed)"},
	}

	descriptors := b.Build(devices, "node1")
	if len(descriptors) != 1 {
		t.Errorf("descriptor count = %d, want 1 after dedup", len(descriptors))
	}
}

func TestBuildSkipsDevicesWithoutIdentity(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	devices := []domain.DeviceRecord{
		{},
		{ID: "A", FriendlyName: "Lamp"},
	}

	descriptors := b.Build(devices, "node1")
	if len(descriptors) != 1 {
		t.Errorf("descriptor count = %d, want 1", len(descriptors))
	}
}

func TestBuildFallsBackToHardwareID(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	descriptors := b.Build([]domain.DeviceRecord{{ID: "0xDEAD"}}, "node1")
	if len(descriptors) != 1 {
		t.Fatalf("descriptor count = %d, want 1", len(descriptors))
	}
	if !strings.Contains(descriptors[0].Name, "_0xdead_") {
		t.Errorf("name = %q, want slug from hardware id", descriptors[0].Name)
	}
}

func TestSwitchableExplicitNegative(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	// State feature published but not settable: excluded regardless of
	// positive type markers.
	devices := []domain.DeviceRecord{{
		ID:           "S",
		FriendlyName: "Contact Sensor",
		Exposes: []domain.DeviceFeature{{
			Type: "binary",
			Features: []domain.DeviceFeature{
				{Property: "state", Access: domain.AccessPublished},
			},
		}},
	}}

	if got := b.Build(devices, "node1"); len(got) != 0 {
		t.Errorf("descriptor count = %d, want 0 for non-settable state", len(got))
	}
}

func TestSwitchablePositiveSignals(t *testing.T) {
	b := testBuilder(&recordingBridge{})

	cases := []struct {
		name    string
		exposes []domain.DeviceFeature
	}{
		{"switch type", []domain.DeviceFeature{{Type: "switch"}}},
		{"binary type", []domain.DeviceFeature{{Type: "binary"}}},
		{"state property", []domain.DeviceFeature{{Property: "state", Access: domain.AccessPublished | domain.AccessSet}}},
		{"on_off name", []domain.DeviceFeature{{Name: "on_off"}}},
		{"switch label", []domain.DeviceFeature{{Label: "Power switch"}}},
		{"nested state", []domain.DeviceFeature{{Type: "light", Features: []domain.DeviceFeature{
			{Property: "state", Access: domain.AccessPublished | domain.AccessSet | domain.AccessGet},
		}}}},
	}
	for i, tc := range cases {
		devices := []domain.DeviceRecord{{ID: fmt.Sprintf("D%d", i), FriendlyName: tc.name, Exposes: tc.exposes}}
		if got := b.Build(devices, "node1"); len(got) != 1 {
			t.Errorf("%s: descriptor count = %d, want 1", tc.name, len(got))
		}
	}
}

func TestSwitchablePermissiveDefault(t *testing.T) {
	permissive := NewBuilder(&recordingBridge{}, testLogger(), true)
	strict := NewBuilder(&recordingBridge{}, testLogger(), false)

	// Unrecognized feature set: no positive, no negative.
	devices := []domain.DeviceRecord{{
		ID:           "X",
		FriendlyName: "Mystery",
		Exposes:      []domain.DeviceFeature{{Type: "numeric", Property: "temperature"}},
	}}

	if got := permissive.Build(devices, "node1"); len(got) != 1 {
		t.Errorf("permissive: descriptor count = %d, want 1", len(got))
	}
	if got := strict.Build(devices, "node1"); len(got) != 0 {
		t.Errorf("strict: descriptor count = %d, want 0", len(got))
	}
}

func TestHandlerBridgeFailure(t *testing.T) {
	bridge := &recordingBridge{err: fmt.Errorf("mqtt: broker unreachable")}
	b := testBuilder(bridge)

	descriptors := b.Build([]domain.DeviceRecord{{ID: "A", FriendlyName: "Lamp"}}, "node1")
	if len(descriptors) != 1 {
		t.Fatalf("descriptor count = %d, want 1", len(descriptors))
	}

	_, err := descriptors[0].Handler(context.Background(), map[string]any{"state": "OFF"})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from bridge failure, got: %v", err)
	}
}

func TestHandlerMissingState(t *testing.T) {
	b := testBuilder(&recordingBridge{})
	descriptors := b.Build([]domain.DeviceRecord{{ID: "A", FriendlyName: "Lamp"}}, "node1")

	_, err := descriptors[0].Handler(context.Background(), map[string]any{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing state, got: %v", err)
	}
}

func TestNormalizeAction(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"on", "ON", false},
		{"ON", "ON", false},
		{" Off ", "OFF", false},
		{"toggle", "TOGGLE", false},
		{"ToGgLe", "TOGGLE", false},
		{"", "", true},
		{"purple", "", true},
		{"on off", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeAction(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeAction(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeAction(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeAction(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Lamp", "lamp"},
		{"Living Room Lamp", "living_room_lamp"},
		{"lamp--a", "lamp_a"},
		{"__weird__", "weird"},
		{"ALL CAPS!!", "all_caps"},
		{"0x00124B0023ABCDEF", "0x00124b0023abcdef"},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
		{"", ""},
	}
	for _, tc := range cases {
		if got := sanitize(tc.in); got != tc.want {
			t.Errorf("sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHash6(t *testing.T) {
	a := hash6("node1:Lamp A")
	b := hash6("node1:lamp-a")
	if len(a) != 6 || len(b) != 6 {
		t.Fatalf("hash lengths = %d, %d, want 6", len(a), len(b))
	}
	if a == b {
		t.Error("distinct inputs hash identically")
	}
	if a != hash6("node1:Lamp A") {
		t.Error("hash6 not deterministic")
	}
}

func TestBuiltins(t *testing.T) {
	bridge := &recordingBridge{devices: []domain.DeviceRecord{{ID: "A", FriendlyName: "Lamp"}}}
	builtins := Builtins("node1", bridge, time.Now(), func() string { return "open" })
	if len(builtins) != 2 {
		t.Fatalf("builtin count = %d, want 2", len(builtins))
	}

	byName := make(map[string]domain.CapabilityDescriptor)
	for _, d := range builtins {
		byName[d.Name] = d
	}

	status, ok := byName["node_node1_status"]
	if !ok {
		t.Fatal("missing node_node1_status builtin")
	}
	res, err := status.Handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("status invoke: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(res.Content), &body); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if body["uplink_state"] != "open" {
		t.Errorf("uplink_state = %v, want open", body["uplink_state"])
	}
	if body["device_count"] != float64(1) {
		t.Errorf("device_count = %v, want 1", body["device_count"])
	}

	devicesCap, ok := byName["node_node1_devices"]
	if !ok {
		t.Fatal("missing node_node1_devices builtin")
	}
	res, err = devicesCap.Handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("devices invoke: %v", err)
	}
	var list []domain.DeviceRecord
	if err := json.Unmarshal([]byte(res.Content), &list); err != nil {
		t.Fatalf("unmarshal devices: %v", err)
	}
	if len(list) != 1 || list[0].ID != "A" {
		t.Errorf("devices = %+v, want one record with ID A", list)
	}
}
