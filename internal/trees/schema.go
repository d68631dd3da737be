package trees

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const savedSchemaURL = "saved-tree-v1.json"

var (
	savedSchemaOnce sync.Once
	savedSchema     *sjsonschema.Schema
	savedSchemaErr  error
)

// JSONSchema describes a ref entry as a fixed [id, value] tuple.
func (RefEntry) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "array",
		PrefixItems: []*jsonschema.Schema{
			{Type: "integer"},
			{Type: "string"},
		},
	}
}

// GenerateSavedSchema produces the JSON Schema (Draft 2020-12) of the saved
// tree document.
func GenerateSavedSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false
	r.AllowAdditionalProperties = true

	s := r.Reflect(&SavedTree{})
	s.ID = "https://github.com/dillproject/dill/schemas/saved-tree-v1.json"
	s.Title = "Dill saved debug tree v1"
	s.Description = "Schema for trees saved or imported by the dill coordinator"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal saved tree schema: %w", err)
	}
	return data, nil
}

// ValidateSaved checks a canonical saved document against the schema.
func ValidateSaved(data []byte) error {
	sch, err := compiledSavedSchema()
	if err != nil {
		return err
	}
	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialiseFailed, err)
	}
	if err := sch.Validate(doc); err != nil {
		var ve *sjsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrDeserialiseFailed, describeValidation(ve))
		}
		return fmt.Errorf("%w: %v", ErrDeserialiseFailed, err)
	}
	return nil
}

func compiledSavedSchema() (*sjsonschema.Schema, error) {
	savedSchemaOnce.Do(func() {
		raw, err := GenerateSavedSchema()
		if err != nil {
			savedSchemaErr = err
			return
		}
		schemaDoc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			savedSchemaErr = fmt.Errorf("unmarshal saved tree schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource(savedSchemaURL, schemaDoc); err != nil {
			savedSchemaErr = fmt.Errorf("add saved tree schema: %w", err)
			return
		}
		savedSchema, savedSchemaErr = c.Compile(savedSchemaURL)
	})
	return savedSchema, savedSchemaErr
}

func describeValidation(ve *sjsonschema.ValidationError) string {
	var parts []string
	for _, leaf := range flattenValidation(ve) {
		path := "/" + strings.Join(leaf.InstanceLocation, "/")
		parts = append(parts, fmt.Sprintf("%s: %v", path, leaf.ErrorKind))
	}
	return strings.Join(parts, "; ")
}

func flattenValidation(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidation(cause)...)
	}
	return flat
}
