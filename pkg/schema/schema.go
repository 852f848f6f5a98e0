// Package schema validates command params against a JSON schema before a
// handler runs. Violations surface as invalid_params.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

const logPrefix = "schema:schema"

// Validator holds a compiled params schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// Compile parses a JSON schema document.
func Compile(schemaJSON []byte) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to compile schema: %w", logPrefix, err)
	}
	return &Validator{schema: s}, nil
}

// MustCompile is Compile for schemas known at build time.
func MustCompile(schemaJSON string) *Validator {
	v, err := Compile([]byte(schemaJSON))
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks params and returns an invalid_params error listing every
// violation.
func (v *Validator) Validate(params registry.Params) error {
	if params == nil {
		params = registry.Params{}
	}
	doc, err := json.Marshal(params)
	if err != nil {
		return cmderr.InvalidParams("params are not serializable: %v", err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return cmderr.InvalidParams("params could not be validated: %v", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return cmderr.InvalidParams("%s", strings.Join(details, "; "))
}

// Wrap returns a handler that validates params before calling fn.
func (v *Validator) Wrap(fn registry.HandlerFunc) registry.HandlerFunc {
	return func(ctx context.Context, params registry.Params) (interface{}, error) {
		if err := v.Validate(params); err != nil {
			return nil, err
		}
		return fn(ctx, params)
	}
}

// LoadDir compiles every <command>.json file in dir, keyed by command name.
// An empty dir yields no validators.
func LoadDir(dir string) (map[string]*Validator, error) {
	out := map[string]*Validator{}
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read schema dir %s: %w", logPrefix, dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", logPrefix, e.Name(), err)
		}
		v, err := Compile(data)
		if err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, e.Name(), err)
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = v
	}
	return out, nil
}
