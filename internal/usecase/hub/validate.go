package hub

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"switchyard/internal/domain"
)

// schemaCache holds compiled tool input schemas keyed by content hash, so a
// manifest update re-compiles only the schemas that actually changed.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[[sha256.Size]byte]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[[sha256.Size]byte]*jsonschema.Schema)}
}

// get returns the compiled schema for raw, compiling it on first sight.
func (c *schemaCache) get(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := sha256.Sum256(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	c.compiled[key] = s
	return s, nil
}

// validateArgs checks invocation arguments against the tool's advertised
// input schema before the request goes down the link. A missing or
// uncompilable schema skips validation: a node pushing a malformed schema
// must not brick its own tools. A schema violation rejects the invocation.
func (m *Manager) validateArgs(tool *domain.AdvertisedTool, args json.RawMessage) error {
	raw := tool.InputSchema
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	schema, err := m.schemas.get(raw)
	if err != nil {
		m.logger.Warn("tool schema failed to compile, skipping validation",
			"tool", tool.Name, "error", err)
		return nil
	}

	var v any
	if len(args) == 0 || string(args) == "null" {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return domain.NewDomainError("Manager.Invoke", domain.ErrInvalidInput, "arguments are not valid JSON")
	}

	if err := schema.Validate(v); err != nil {
		return domain.NewDomainError("Manager.Invoke", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
