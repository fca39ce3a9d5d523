// Package schema translates a canonical output schema into the JSON-schema
// dialect each provider family accepts. The canonical form is what tasks
// register; adapters never shape schemas themselves.
package schema

import (
	"github.com/hirelens/genflow/types"
)

// Dialect names a provider family's schema requirements.
type Dialect string

const (
	// DialectClosed is the strict closed-schema family: every object node
	// must explicitly disallow unknown properties.
	DialectClosed Dialect = "closed"

	// DialectOpenAPI is the OpenAPI-subset family, which rejects the
	// additionalProperties keyword and several string constraints outright.
	DialectOpenAPI Dialect = "openapi"

	// DialectPlain keeps the schema intact apart from meta-keyword
	// stripping, for providers that only see the schema as prompt guidance.
	DialectPlain Dialect = "plain"
)

// ToProvider converts a canonical schema into the given dialect. The input
// is cloned; registered schemas are never mutated.
//
// Open string-keyed maps (additionalProperties carrying a value schema)
// cannot be expressed once a dialect forces closed objects or bans the
// keyword. Such nodes are rewritten into plain string fields carrying a
// JSON-encoded payload, which the task's parser decodes. This is a
// deliberate escape hatch, not a silent limitation.
func ToProvider(s *types.JSONSchema, dialect Dialect) *types.JSONSchema {
	if s == nil {
		return nil
	}
	out := s.Clone()
	stripMeta(out)
	switch dialect {
	case DialectClosed:
		forceClosed(out)
	case DialectOpenAPI:
		toOpenAPI(out)
	}
	return out
}

// stripMeta removes meta-only keywords providers reject, recursively.
func stripMeta(s *types.JSONSchema) {
	if s == nil {
		return
	}
	s.Schema = ""
	s.Title = ""
	s.Examples = nil
	s.Default = nil
	walkChildren(s, stripMeta)
}

// forceClosed rewrites the tree for the strict closed-schema family:
// every object disallows unknown properties, and open maps collapse into
// the string escape hatch.
func forceClosed(s *types.JSONSchema) {
	if s == nil {
		return
	}
	if s.Type == types.SchemaTypeObject {
		if isOpenMap(s) {
			toEncodedString(s)
			return
		}
		s.AdditionalProperties = &types.AdditionalProperties{Allowed: false}
	}
	walkChildren(s, forceClosed)
}

// toOpenAPI rewrites the tree for the OpenAPI-subset family: the
// additionalProperties keyword is dropped entirely, open maps collapse into
// the string escape hatch, and unsupported string constraints are stripped.
func toOpenAPI(s *types.JSONSchema) {
	if s == nil {
		return
	}
	if isOpenMap(s) {
		toEncodedString(s)
		return
	}
	s.AdditionalProperties = nil
	s.Pattern = ""
	s.Format = ""
	s.Const = nil
	walkChildren(s, toOpenAPI)
}

// isOpenMap reports whether a node is a dynamic string-keyed record: an
// object without fixed properties whose additionalProperties carries a
// value schema (or allows anything).
func isOpenMap(s *types.JSONSchema) bool {
	return s.Type == types.SchemaTypeObject &&
		len(s.Properties) == 0 &&
		s.AdditionalProperties != nil &&
		s.AdditionalProperties.Allowed
}

// toEncodedString rewrites a node into the JSON-encoded string escape hatch.
func toEncodedString(s *types.JSONSchema) {
	desc := s.Description
	if desc != "" {
		desc += " "
	}
	*s = types.JSONSchema{
		Type:        types.SchemaTypeString,
		Description: desc + "JSON-encoded object; emit a single JSON object serialized as a string.",
	}
}

// walkChildren applies fn to every direct child schema node: properties,
// array items, union branches, and a schema-valued additionalProperties.
func walkChildren(s *types.JSONSchema, fn func(*types.JSONSchema)) {
	for _, prop := range s.Properties {
		fn(prop)
	}
	if s.Items != nil {
		fn(s.Items)
	}
	for _, branch := range s.AnyOf {
		fn(branch)
	}
	if s.AdditionalProperties != nil && s.AdditionalProperties.Schema != nil {
		fn(s.AdditionalProperties.Schema)
	}
}
