// Package capability derives, signs, and holds the set of remotely invocable
// actions a node advertises. The builder turns a raw bridge device list into
// deterministic switch descriptors; the signer hashes descriptor sets so
// refresh cycles can detect "nothing changed"; the registry is the node-local
// store the connector reads manifests from.
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"switchyard/internal/domain"
)

// SwitchActions is the full action vocabulary accepted by generated switch
// capabilities.
var SwitchActions = []string{"ON", "OFF", "TOGGLE"}

// switchInputSchema restricts a switch invocation to the 3-valued action enum.
var switchInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"state": {
			"type": "string",
			"enum": ["ON", "OFF", "TOGGLE"],
			"description": "The switch command to send"
		}
	},
	"required": ["state"]
}`)

// maxSlugLen caps sanitized identity slugs so device names with long vendor
// strings do not produce unwieldy capability names.
const maxSlugLen = 32

// switchTypes are expose types that mark a feature as directly commandable
// on/off.
var switchTypes = map[string]bool{
	"switch": true,
	"binary": true,
}

// onOffProperties are property/name values recognized as an on/off state.
var onOffProperties = map[string]bool{
	"state":  true,
	"on_off": true,
	"onoff":  true,
}

// Builder derives switch capability descriptors from a live device list.
// Build itself is pure; only the handler closures it hands out touch the
// bridge.
type Builder struct {
	bridge     domain.DeviceBridge
	logger     *slog.Logger
	permissive bool
}

// NewBuilder creates a builder that generates handlers bound to the given
// bridge. permissive controls the switch-detection default for devices with
// no recognizable signal either way: true advertises them, false drops them.
func NewBuilder(bridge domain.DeviceBridge, logger *slog.Logger, permissive bool) *Builder {
	return &Builder{bridge: bridge, logger: logger, permissive: permissive}
}

// Build derives one descriptor per controllable device. Devices without a
// usable identity are skipped, duplicates (same hardware identity) collapse
// to one descriptor, and non-switchable devices are filtered out. Running
// Build twice on the same input yields identical names and metadata
// regardless of device order.
func (b *Builder) Build(devices []domain.DeviceRecord, nodeID string) []domain.CapabilityDescriptor {
	seen := make(map[string]struct{}, len(devices))
	out := make([]domain.CapabilityDescriptor, 0, len(devices))

	for _, dev := range devices {
		identity := dev.Identity()
		if identity == "" {
			b.logger.Debug("skipping device without identity")
			continue
		}
		key := dev.ID
		if key == "" {
			key = identity
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if !b.switchable(dev) {
			b.logger.Debug("device not switchable, skipping", "device", identity)
			continue
		}
		out = append(out, b.descriptor(dev, nodeID))
	}
	return out
}

// switchable inspects the flattened expose tree for switch signals. A device
// whose state-like features all lack the SET access bit is explicitly not
// commandable and is excluded regardless of other signals. With no signal
// either way the permissive policy decides.
func (b *Builder) switchable(dev domain.DeviceRecord) bool {
	feats := flattenFeatures(dev.Exposes)
	if len(feats) == 0 {
		return b.permissive
	}

	positive := false
	stateFeatures := 0
	settable := false

	for _, f := range feats {
		if switchTypes[strings.ToLower(f.Type)] {
			positive = true
		}
		if onOffProperties[strings.ToLower(f.Property)] || onOffProperties[strings.ToLower(f.Name)] {
			positive = true
			stateFeatures++
			// Access 0 means the bridge did not report access bits; that is
			// absence of signal, not a negative.
			if f.Access == 0 || f.Access&domain.AccessSet != 0 {
				settable = true
			}
		}
		if label := strings.ToLower(f.Label); strings.Contains(label, "switch") || strings.Contains(label, "on/off") {
			positive = true
		}
	}

	if stateFeatures > 0 && !settable {
		return false
	}
	if positive {
		return true
	}
	return b.permissive
}

func (b *Builder) descriptor(dev domain.DeviceRecord, nodeID string) domain.CapabilityDescriptor {
	identity := dev.Identity()
	deviceID := dev.ID
	if deviceID == "" {
		deviceID = identity
	}

	name := "node_" + sanitize(nodeID) + "_" + sanitize(identity) + "_" +
		hash6(nodeID+":"+deviceID) + "_switch"

	description := fmt.Sprintf("Switch %q on node %s on, off, or toggle it", identity, nodeID)
	if dev.Description != "" {
		description = fmt.Sprintf("Switch %q (%s) on node %s on, off, or toggle it", identity, dev.Description, nodeID)
	}

	actions := make([]string, len(SwitchActions))
	copy(actions, SwitchActions)

	return domain.CapabilityDescriptor{
		Name:          name,
		Description:   description,
		InputSchema:   switchInputSchema,
		Category:      "switch",
		NodeID:        nodeID,
		DeviceID:      deviceID,
		Actions:       actions,
		AutoGenerated: true,
		Handler:       b.switchHandler(deviceID),
	}
}

// switchHandler returns the invocation closure for one device. Argument
// validation happens before the bridge is touched: an unknown state never
// reaches the hardware.
func (b *Builder) switchHandler(deviceID string) domain.CapabilityHandler {
	return func(ctx context.Context, args map[string]any) (*domain.InvokeResult, error) {
		raw, _ := args["state"].(string)
		state, err := NormalizeAction(raw)
		if err != nil {
			return nil, err
		}

		if err := b.bridge.SetState(ctx, deviceID, state); err != nil {
			return nil, domain.NewSubSystemError("bridge", "Switch.Invoke", domain.ErrUnavailable,
				fmt.Sprintf("set state on %s: %v", deviceID, err))
		}

		payload, err := json.Marshal(map[string]any{
			"success":   true,
			"device_id": deviceID,
			"state":     state,
		})
		if err != nil {
			return nil, domain.WrapOp("Switch.Invoke", err)
		}
		return &domain.InvokeResult{Content: string(payload)}, nil
	}
}

// NormalizeAction validates a requested switch state case-insensitively and
// returns its canonical upper-case form.
func NormalizeAction(raw string) (string, error) {
	state := strings.ToUpper(strings.TrimSpace(raw))
	if state == "" {
		return "", domain.NewDomainError("Switch.Invoke", domain.ErrInvalidInput,
			"missing required argument \"state\"")
	}
	for _, a := range SwitchActions {
		if state == a {
			return state, nil
		}
	}
	return "", domain.NewDomainError("Switch.Invoke", domain.ErrInvalidInput,
		fmt.Sprintf("state must be one of %s (got %q)", strings.Join(SwitchActions, ", "), raw))
}

// flattenFeatures walks the expose tree depth-first, returning every feature
// including group nodes themselves (a group's type can carry the signal).
func flattenFeatures(feats []domain.DeviceFeature) []domain.DeviceFeature {
	var out []domain.DeviceFeature
	for _, f := range feats {
		out = append(out, f)
		if len(f.Features) > 0 {
			out = append(out, flattenFeatures(f.Features)...)
		}
	}
	return out
}

// sanitize lower-cases s, collapses every non-alphanumeric run into a single
// underscore, trims leading/trailing underscores, and caps the result length.
func sanitize(s string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			sb.WriteRune(r)
			pendingSep = false
			continue
		}
		if !pendingSep && sb.Len() > 0 {
			sb.WriteByte('_')
			pendingSep = true
		}
	}
	out := strings.Trim(sb.String(), "_")
	if len(out) > maxSlugLen {
		out = strings.Trim(out[:maxSlugLen], "_")
	}
	return out
}

// hash6 returns the first 6 hex characters of the SHA-256 digest of s. It
// suffixes capability names with a digest of the hardware identity so devices
// that share a friendly name (or sanitize to the same slug) still get
// distinct names.
func hash6(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:6]
}
