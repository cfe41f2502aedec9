package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/songzhibin97/flowcore/types"
)

// OutputValidator checks task output against the registry entry's
// output_schema. Compiled schemas are cached per function version.
type OutputValidator struct {
	cache map[string]*jsonschema.Schema
	mu    sync.Mutex
}

// NewOutputValidator creates an OutputValidator.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns an ErrOutputInvalid error when output does not match.
// Entries without an output schema accept anything.
func (v *OutputValidator) Validate(entry types.FunctionRegistryEntry, output map[string]interface{}) error {
	if len(entry.OutputSchema) == 0 {
		return nil
	}
	schema, err := v.schema(entry)
	if err != nil {
		return fmt.Errorf("%w: %s has an unusable output_schema: %v", types.ErrAuthoring, entry.FunctionCode, err)
	}

	// round-trip so Go numeric types reach the validator as JSON numbers
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrOutputInvalid, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", types.ErrOutputInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrOutputInvalid, entry.FunctionCode, err)
	}
	return nil
}

func (v *OutputValidator) schema(entry types.FunctionRegistryEntry) (*jsonschema.Schema, error) {
	key := fmt.Sprintf("%s-v%d", entry.FunctionCode, entry.Version)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	raw, err := json.Marshal(entry.OutputSchema)
	if err != nil {
		return nil, err
	}
	url := "mem://registry/" + key + "/output.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	v.cache[key] = s
	return s, nil
}
