package protocol

import (
	"embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// CompileSchema compiles one of the embedded wire schemas by base name,
// e.g. "envelope" or "trade_offer_update".
func CompileSchema(name string) (*jsonschema.Schema, error) {
	path := fmt.Sprintf("schemas/%s.schema.json", name)
	raw, err := schemaFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(path, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(path)
}
