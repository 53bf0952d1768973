package config

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/itchyny/gojq"
)

// Schema returns the JSON Schema describing the config file.
func Schema() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[Config](nil)
	if err != nil {
		return nil, fmt.Errorf("config: schema: %w", err)
	}
	s.Title = "pfann config"
	return s, nil
}

// Query evaluates a jq expression against the config and returns every
// result. The config is converted to its generic JSON form first so that
// expressions use the file's key names (e.g. ".model.d").
func (c *Config) Query(expr string) ([]any, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("config: parse query: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var out []any
	iter := q.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("config: jq error: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
