package capability

import (
	"context"
	"encoding/json"
	"time"

	"switchyard/internal/domain"
)

var emptyObjectSchema = json.RawMessage(`{
	"type": "object",
	"properties": {}
}`)

// Builtins returns the node's always-present capabilities: a status report
// and a raw device listing. These are not device-derived and survive every
// dynamic refresh untouched.
func Builtins(nodeID string, bridge domain.DeviceBridge, started time.Time, linkState func() string) []domain.CapabilityDescriptor {
	return []domain.CapabilityDescriptor{
		{
			Name:        "node_" + sanitize(nodeID) + "_status",
			Description: "Report node uptime, uplink state, and device count",
			InputSchema: emptyObjectSchema,
			Category:    "node",
			NodeID:      nodeID,
			Handler:     statusHandler(nodeID, bridge, started, linkState),
		},
		{
			Name:        "node_" + sanitize(nodeID) + "_devices",
			Description: "List the devices currently known to the node's bridge",
			InputSchema: emptyObjectSchema,
			Category:    "node",
			NodeID:      nodeID,
			Handler:     devicesHandler(bridge),
		},
	}
}

func statusHandler(nodeID string, bridge domain.DeviceBridge, started time.Time, linkState func() string) domain.CapabilityHandler {
	return func(ctx context.Context, _ map[string]any) (*domain.InvokeResult, error) {
		deviceCount := -1
		if devices, err := bridge.ListDevices(ctx); err == nil {
			deviceCount = len(devices)
		}

		state := "unknown"
		if linkState != nil {
			state = linkState()
		}

		payload, err := json.Marshal(map[string]any{
			"node_id":        nodeID,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"uplink_state":   state,
			"device_count":   deviceCount,
		})
		if err != nil {
			return nil, domain.WrapOp("Status.Invoke", err)
		}
		return &domain.InvokeResult{Content: string(payload)}, nil
	}
}

func devicesHandler(bridge domain.DeviceBridge) domain.CapabilityHandler {
	return func(ctx context.Context, _ map[string]any) (*domain.InvokeResult, error) {
		devices, err := bridge.ListDevices(ctx)
		if err != nil {
			return nil, domain.NewSubSystemError("bridge", "Devices.Invoke", domain.ErrUnavailable, err.Error())
		}
		payload, err := json.Marshal(devices)
		if err != nil {
			return nil, domain.WrapOp("Devices.Invoke", err)
		}
		return &domain.InvokeResult{Content: string(payload)}, nil
	}
}
