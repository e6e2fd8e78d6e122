package llm

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema derives a strict JSON Schema from a Go struct type for
// structured-output requests. The schema is normalized for strict mode:
// additionalProperties false and every property required, recursively.
func GenerateSchema[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)

	b, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	enforceStrict(m)
	return m
}

func enforceStrict(schema map[string]interface{}) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				enforceStrict(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		enforceStrict(items)
	}
}
