package converter

// Tools whose upstream declarations ship an empty schema; backends reject
// a function declaration with no parameters, so a minimal query schema is
// synthesized for these names.
var emptySchemaTools = map[string]bool{
	"web_search":    true,
	"search":        true,
	"google_search": true,
}

// NormalizeToolSchema fills in a fallback parameters object for known
// schema-less tools and guarantees a valid object schema otherwise.
func NormalizeToolSchema(name string, schema map[string]interface{}) map[string]interface{} {
	if len(schema) > 0 {
		if _, ok := schema["type"]; !ok {
			schema["type"] = "object"
		}
		return schema
	}
	if emptySchemaTools[name] {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []string{"query"},
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
