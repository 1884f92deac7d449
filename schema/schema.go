// Package schema derives JSON Schema documents for the structured LLM
// calls (§9 of the spec: Understanding, Plan, Reflection, relevance
// selection) and for tool argument schemas, using the same
// invopop/jsonschema reflector the teacher uses for its config schema
// command.
package schema

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	AllowAdditionalProperties: false,
	DoNotReference:            true,
}

var (
	cacheMu sync.Mutex
	cache   = map[string]map[string]any{}
)

// Of reflects the JSON Schema for a Go value's type, suitable for passing
// to llm.Client.GenerateStructured. The type is reflected on every call;
// the converted map is cached by the reflected schema's ID and title, so
// repeat calls for the same shape return the same map.
func Of(v any) map[string]any {
	s := reflector.Reflect(v)
	key := s.ID.String() + s.Title
	if key == "" {
		key = schemaKey(v)
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached, ok := cache[key]; ok {
		return cached
	}

	out := toMap(s)
	cache[key] = out
	return out
}

func schemaKey(v any) string {
	type named interface{ Name() string }
	if n, ok := v.(named); ok {
		return n.Name()
	}
	return "anonymous"
}

func toMap(s *jsonschema.Schema) map[string]any {
	data, err := s.MarshalJSON()
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
