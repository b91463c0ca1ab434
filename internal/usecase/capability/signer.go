package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"switchyard/internal/domain"
)

// SignatureEmpty is the reserved signature for an empty capability set.
// It is distinct from any real hash so "no capabilities" never collides with
// "hash of the empty string".
const SignatureEmpty = "empty"

// Sign computes the content signature of a descriptor set. Each descriptor
// is projected to "name:deviceId:actions", the projections are sorted, joined
// and hashed — so two sets holding the same descriptors in different
// discovery order sign identically.
func Sign(descriptors []domain.CapabilityDescriptor) string {
	if len(descriptors) == 0 {
		return SignatureEmpty
	}

	proj := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		proj = append(proj, d.Name+":"+d.DeviceID+":"+strings.Join(d.Actions, ","))
	}
	sort.Strings(proj)

	sum := sha256.Sum256([]byte(strings.Join(proj, "|")))
	return hex.EncodeToString(sum[:])
}

// SignAdvertised computes the signature of a fully-decorated tool list.
// Decoration (host, port, status) can change independently of the underlying
// device set; hashing the serialized projection catches either kind of drift.
func SignAdvertised(tools []domain.AdvertisedTool) string {
	if len(tools) == 0 {
		return SignatureEmpty
	}

	proj := make([]string, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t)
		if err != nil {
			// Should not happen for plain structs; fall back to the stable
			// identity projection so the signature stays deterministic.
			raw = []byte(t.Name + ":" + t.DeviceID + ":" + strings.Join(t.Actions, ","))
		}
		proj = append(proj, string(raw))
	}
	sort.Strings(proj)

	sum := sha256.Sum256([]byte(strings.Join(proj, "|")))
	return hex.EncodeToString(sum[:])
}
