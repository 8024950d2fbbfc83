package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/pairflow/internal/store"
)

// seedSchema is the JSON Schema every backlog seed file must satisfy.
// Validation happens before decoding so a malformed file is rejected with
// a precise path instead of a half-seeded sprint.
const seedSchema = `{
  "type": "object",
  "required": ["cards"],
  "additionalProperties": false,
  "properties": {
    "cards": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "title"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "points": {"type": "integer", "minimum": 0},
          "priority": {"type": "integer", "minimum": 0},
          "status": {"enum": ["Backlog", "Ready"]},
          "depends_on": {"type": "array", "items": {"type": "string", "minLength": 1}}
        }
      }
    }
  }
}`

var (
	seedSchemaOnce     sync.Once
	seedSchemaCompiled *jsonschema.Schema
	seedSchemaErr      error
)

func compiledSeedSchema() (*jsonschema.Schema, error) {
	seedSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(seedSchema)))
		if err != nil {
			seedSchemaErr = fmt.Errorf("unmarshal seed schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("seed.json", doc); err != nil {
			seedSchemaErr = fmt.Errorf("add seed schema resource: %w", err)
			return
		}
		seedSchemaCompiled, seedSchemaErr = c.Compile("seed.json")
	})
	return seedSchemaCompiled, seedSchemaErr
}

type seedFile struct {
	Cards []seedCard `json:"cards"`
}

type seedCard struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Points    int      `json:"points"`
	Priority  int      `json:"priority"`
	Status    string   `json:"status"`
	DependsOn []string `json:"depends_on"`
}

// LoadSeeds reads and validates a backlog seed file and returns the cards
// ready for Planning. The sprint number is assigned by the coordinator,
// not the file.
func LoadSeeds(path string) ([]store.Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	schema, err := compiledSeedSchema()
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("seed file is not valid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("seed file rejected: %w", err)
	}

	var sf seedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	cards := make([]store.Card, 0, len(sf.Cards))
	for _, sc := range sf.Cards {
		status := store.CardStatus(sc.Status)
		if status == "" {
			status = store.CardBacklog
		}
		cards = append(cards, store.Card{
			ID:        sc.ID,
			Title:     sc.Title,
			Points:    sc.Points,
			Priority:  sc.Priority,
			Status:    status,
			DependsOn: sc.DependsOn,
		})
	}
	return cards, nil
}
