package capability

import (
	"log/slog"
	"sort"
	"sync"

	"switchyard/internal/domain"
)

// Registry holds the capabilities a node currently advertises, in two
// partitions: built-in capabilities registered once at startup, and a dynamic
// set the refresh pipeline replaces wholesale. Replace is atomic from a
// reader's perspective — no caller ever observes a half-swapped dynamic set.
type Registry struct {
	mu      sync.RWMutex
	static  map[string]domain.CapabilityDescriptor
	dynamic map[string]domain.CapabilityDescriptor

	// Live advertisement metadata stamped onto decorated projections.
	advHost string
	advPort int

	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		static:  make(map[string]domain.CapabilityDescriptor),
		dynamic: make(map[string]domain.CapabilityDescriptor),
		logger:  logger,
	}
}

// SetAdvertisement records the host and port stamped onto decorated
// projections returned by Advertised.
func (r *Registry) SetAdvertisement(host string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advHost = host
	r.advPort = port
}

// RegisterStatic adds a built-in capability. Static names must be unique
// across both partitions.
func (r *Registry) RegisterStatic(d domain.CapabilityDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.static[d.Name]; exists {
		return domain.NewDomainError("Registry.RegisterStatic", domain.ErrDuplicate, d.Name)
	}
	r.static[d.Name] = d
	return nil
}

// Replace swaps the dynamic partition for the given descriptor set. Duplicate
// names keep the first occurrence; a name colliding with a static capability
// is dropped with a warning rather than shadowing it.
func (r *Registry) Replace(descriptors []domain.CapabilityDescriptor) {
	next := make(map[string]domain.CapabilityDescriptor, len(descriptors))
	for _, d := range descriptors {
		if _, dup := next[d.Name]; dup {
			r.logger.Warn("duplicate capability name in replace, keeping first", "name", d.Name)
			continue
		}
		next[d.Name] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range next {
		if _, clash := r.static[name]; clash {
			r.logger.Warn("dynamic capability shadows static name, dropping", "name", name)
			delete(next, name)
		}
	}
	r.dynamic = next
}

// Get retrieves a capability by name from either partition.
func (r *Registry) Get(name string) (domain.CapabilityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.dynamic[name]; ok {
		return d, nil
	}
	if d, ok := r.static[name]; ok {
		return d, nil
	}
	return domain.CapabilityDescriptor{}, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
}

// Dynamic returns the dynamic partition sorted by name.
func (r *Registry) Dynamic() []domain.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.dynamic)
}

// All returns the advertised capability set sorted by name. With
// includeStatic the built-in partition is merged in.
func (r *Registry) All(includeStatic bool) []domain.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !includeStatic {
		return sortedValues(r.dynamic)
	}
	merged := make(map[string]domain.CapabilityDescriptor, len(r.static)+len(r.dynamic))
	for name, d := range r.static {
		merged[name] = d
	}
	for name, d := range r.dynamic {
		merged[name] = d
	}
	return sortedValues(merged)
}

// Advertised returns All(includeStatic) decorated with the registry's live
// advertisement metadata and an "online" status. Decoration only touches the
// returned projections, never the stored descriptors.
func (r *Registry) Advertised(includeStatic bool) []domain.AdvertisedTool {
	descriptors := r.All(includeStatic)

	r.mu.RLock()
	host, port := r.advHost, r.advPort
	r.mu.RUnlock()

	tools := make([]domain.AdvertisedTool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, d.Advertise(host, port, string(domain.NodeStatusOnline)))
	}
	return tools
}

// Len reports the current capability count per partition.
func (r *Registry) Len() (static, dynamic int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.static), len(r.dynamic)
}

func sortedValues(m map[string]domain.CapabilityDescriptor) []domain.CapabilityDescriptor {
	out := make([]domain.CapabilityDescriptor, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
