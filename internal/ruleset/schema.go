// internal/ruleset/schema.go
package ruleset

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Schema returns the JSON Schema rule-set documents are checked against.
func Schema() []byte {
	return schemaJSON
}

// checkSchema validates a JSON document against the rule-set schema. Every
// violation is reported, each with its field path.
func checkSchema(doc []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling rule set schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("decoding rule set: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("rule set does not match schema: %s", strings.Join(msgs, "; "))
}
