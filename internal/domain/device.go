package domain

import "context"

// Feature access bits, zigbee2mqtt semantics. A feature whose access lacks
// AccessSet cannot be commanded, only observed.
const (
	AccessPublished = 1 << iota // value is published when it changes
	AccessSet                   // value can be written
	AccessGet                   // value can be read on demand
)

// DeviceFeature is one entry in a device's exposed-feature tree. Groups
// (composite, light, switch, ...) nest child features under Features.
type DeviceFeature struct {
	Type     string          `json:"type,omitempty"`
	Name     string          `json:"name,omitempty"`
	Property string          `json:"property,omitempty"`
	Label    string          `json:"label,omitempty"`
	Access   int             `json:"access,omitempty"`
	Features []DeviceFeature `json:"features,omitempty"`
}

// DeviceRecord is one entry in the bridge's device list. ID is the stable
// hardware identity (e.g. an ieee address); FriendlyName is the mutable
// display name and may be empty.
type DeviceRecord struct {
	ID           string          `json:"id"`
	FriendlyName string          `json:"friendly_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Exposes      []DeviceFeature `json:"exposes,omitempty"`
}

// Identity returns the display identity used for capability naming: the
// friendly name when present, otherwise the hardware ID. Empty when the
// record has neither.
func (d DeviceRecord) Identity() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.ID
}

// DeviceBridge is the external collaborator that enumerates devices and
// performs low-level state control. Implementations own their transport;
// callers treat both operations as opaque I/O.
type DeviceBridge interface {
	ListDevices(ctx context.Context) ([]DeviceRecord, error)
	SetState(ctx context.Context, deviceID, command string) error
}

// DeviceWatcher is implemented by bridges that push device-list change
// notifications. The returned function unsubscribes the listener.
type DeviceWatcher interface {
	OnDevicesChanged(fn func([]DeviceRecord)) (unsubscribe func())
}
