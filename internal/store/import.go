package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/storypress/storypress/internal/prompts"
)

// orderSpecSchema validates order spec files before any row is
// written. The page ceiling tracks the scene catalog: an order
// needing more distinct scenes than the catalog holds could never
// complete, so it is rejected at creation rather than failed after
// payment.
var orderSpecSchema = fmt.Sprintf(`{
  "type": "object",
  "required": ["customer", "reference_image", "pages"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "customer": {
      "type": "object",
      "required": ["name", "email"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "email": {"type": "string", "minLength": 3, "pattern": "^[^@\\s]+@[^@\\s]+$"}
      }
    },
    "reference_image": {"type": "string", "minLength": 1},
    "style": {"type": "string"},
    "pages": {"type": "integer", "minimum": 1, "maximum": %d}
  }
}`, len(prompts.Catalog))

// OrderSpec is the YAML shape of an order file.
type OrderSpec struct {
	ID       string `yaml:"id"`
	Customer struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
	} `yaml:"customer"`
	ReferenceImage string `yaml:"reference_image"`
	Style          string `yaml:"style"`
	Pages          int    `yaml:"pages"`
}

// LoadOrderSpec reads, validates, and parses an order spec file.
func LoadOrderSpec(path string) (*OrderSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read order spec: %w", err)
	}
	return ParseOrderSpec(data)
}

// ParseOrderSpec validates raw YAML against the order schema and
// decodes it.
func ParseOrderSpec(data []byte) (*OrderSpec, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid order spec YAML: %w", err)
	}

	// Round-trip through JSON so the validator sees canonical types.
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid order spec structure: %w", err)
	}
	var validatable any
	if err := json.Unmarshal(jsonDoc, &validatable); err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("order.json", bytes.NewReader([]byte(orderSpecSchema))); err != nil {
		return nil, fmt.Errorf("load order schema: %w", err)
	}
	schema, err := compiler.Compile("order.json")
	if err != nil {
		return nil, fmt.Errorf("compile order schema: %w", err)
	}
	if err := schema.Validate(validatable); err != nil {
		return nil, fmt.Errorf("order spec does not match schema: %w", err)
	}

	var spec OrderSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode order spec: %w", err)
	}
	return &spec, nil
}

// ToOrder converts a validated spec into an Order, generating an ID
// if the spec did not carry one.
func (spec *OrderSpec) ToOrder() *Order {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Order{
		ID:            id,
		CustomerName:  spec.Customer.Name,
		CustomerEmail: spec.Customer.Email,
		ReferencePath: spec.ReferenceImage,
		Style:         spec.Style,
		PageCount:     spec.Pages,
	}
}
