package catalog

import (
	"context"
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

// Convention declares how a service receives command params.
type Convention int

const (
	// SingleMapping services receive the whole params mapping.
	SingleMapping Convention = iota + 1
	// NamedFields services receive one positional value per declared Arg,
	// extracted from params by name.
	NamedFields
)

func (c Convention) String() string {
	switch c {
	case SingleMapping:
		return "single-mapping"
	case NamedFields:
		return "named-fields"
	default:
		return "unknown"
	}
}

// Arg declares one named argument of a NamedFields service.
type Arg struct {
	Name     string
	Required bool
	Default  interface{}
}

// MappingFunc implements a SingleMapping service.
type MappingFunc func(ctx context.Context, params registry.Params) (interface{}, error)

// FieldsFunc implements a NamedFields service; args follow Service.Args order.
type FieldsFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// Service is a callable that is not registered with the dispatcher but can
// be reached through the catalog fallback.
type Service struct {
	Name        string
	Version     string
	Description string
	Deprecated  bool
	Convention  Convention
	Args        []Arg
	Mapping     MappingFunc
	Fields      FieldsFunc

	version *masterminds.Version
}

// NewMappingService creates a SingleMapping service.
func NewMappingService(name, version string, fn MappingFunc) *Service {
	return &Service{Name: name, Version: version, Convention: SingleMapping, Mapping: fn}
}

// NewFieldsService creates a NamedFields service.
func NewFieldsService(name, version string, args []Arg, fn FieldsFunc) *Service {
	return &Service{Name: name, Version: version, Convention: NamedFields, Args: args, Fields: fn}
}

func (s *Service) validate() error {
	if !ValidateServiceName(s.Name) {
		return fmt.Errorf("%s - invalid service name %q", logPrefix, s.Name)
	}
	if s.Version == "" {
		s.Version = "0.0.0"
	}
	v, err := masterminds.StrictNewVersion(s.Version)
	if err != nil {
		return fmt.Errorf("%s - service %s has invalid version %q: %w", logPrefix, s.Name, s.Version, err)
	}
	s.version = v

	switch s.Convention {
	case SingleMapping:
		if s.Mapping == nil {
			return fmt.Errorf("%s - single-mapping service %s has no function", logPrefix, s.Name)
		}
	case NamedFields:
		if s.Fields == nil {
			return fmt.Errorf("%s - named-fields service %s has no function", logPrefix, s.Name)
		}
		seen := make(map[string]bool, len(s.Args))
		for _, a := range s.Args {
			if a.Name == "" || seen[a.Name] {
				return fmt.Errorf("%s - service %s has an empty or duplicate argument name %q", logPrefix, s.Name, a.Name)
			}
			seen[a.Name] = true
		}
	default:
		return fmt.Errorf("%s - service %s must declare a calling convention", logPrefix, s.Name)
	}
	return nil
}

// Handler adapts the service to the handler calling convention. The
// argument mapping is fixed here, not re-derived per call.
func (s *Service) Handler() registry.HandlerFunc {
	switch s.Convention {
	case SingleMapping:
		fn := s.Mapping
		return func(ctx context.Context, params registry.Params) (interface{}, error) {
			if params == nil {
				params = registry.Params{}
			}
			return fn(ctx, params)
		}
	case NamedFields:
		fn := s.Fields
		name := s.Name
		args := append([]Arg(nil), s.Args...)
		return func(ctx context.Context, params registry.Params) (interface{}, error) {
			values := make([]interface{}, len(args))
			for i, a := range args {
				v, ok := params[a.Name]
				switch {
				case ok:
					values[i] = v
				case a.Required:
					return nil, cmderr.InvalidParams("missing required argument %q for %s", a.Name, name)
				default:
					values[i] = a.Default
				}
			}
			return fn(ctx, values)
		}
	}
	return func(context.Context, registry.Params) (interface{}, error) {
		return nil, fmt.Errorf("%s - service %s has no calling convention", logPrefix, s.Name)
	}
}
