// Package shaper implements the response-shaping pass described in
// spec §4.4: after the executor's fetches complete, the merged response
// tree is walked in client selection order, honoring inline fragments and
// fragment spreads by their concrete __typename, and subgraph-only helper
// fields are dropped.
package shaper

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"

	"github.com/openfed-dev/federation-gateway/federation/graph"
)

// stringer matches the ast package's Name/Type nodes, all of which expose
// String() for their textual form.
type stringer interface {
	String() string
}

// Shaper walks a raw merged response against the client's original
// selection set and the federated schema, producing the client-facing
// response.
type Shaper struct {
	superGraph *graph.SuperGraph
	doc        *ast.Document
}

// New returns a Shaper bound to a composed schema and the operation's
// surrounding document, needed to resolve named fragment spreads.
func New(superGraph *graph.SuperGraph, doc *ast.Document) *Shaper {
	return &Shaper{superGraph: superGraph, doc: doc}
}

// Shape prunes obj (a decoded subgraph-response data object) down to what
// selections asks for, dropping fields whose concrete type doesn't satisfy
// an enclosing fragment's type condition and any field marked
// @inaccessible in the federated schema.
//
// The second return value reports whether a Non-Null field somewhere
// beneath obj resolved to null. Per GraphQL's response null-propagation,
// that null must bubble up past obj's own position (obj is discarded, the
// caller's position becomes null too) until it reaches a position whose
// own type is nullable; see completeField, which does the per-field
// bubbling decision and is what shapes nested objects (via shapeObject)
// during normal shaping.
func (s *Shaper) Shape(obj interface{}, selections []ast.Selection, parentTypeName string) (interface{}, bool) {
	if obj == nil {
		return nil, false
	}

	switch v := obj.(type) {
	case map[string]interface{}:
		shaped, bubble := s.shapeObject(v, selections, parentTypeName)
		if bubble {
			return nil, true
		}
		return shaped, false
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			shaped, bubble := s.Shape(item, selections, parentTypeName)
			if bubble {
				// A Non-Null list element resolved to null: the whole list
				// collapses to null here; whether that in turn bubbles
				// further is decided by the caller that knows this list's
				// own declared type (completeField).
				return nil, false
			}
			result[i] = shaped
		}
		return result, false
	default:
		return v, false
	}
}

func (s *Shaper) shapeObject(obj map[string]interface{}, selections []ast.Selection, parentTypeName string) (map[string]interface{}, bool) {
	concreteType := parentTypeName
	if t, ok := obj["__typename"].(string); ok && t != "" {
		concreteType = t
	}

	result := make(map[string]interface{})
	for _, sel := range s.flattenSelections(selections, concreteType) {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}

		fieldName := field.Name.String()
		if fieldName == "__typename" {
			result["__typename"] = concreteType
			continue
		}
		if s.isInaccessible(concreteType, fieldName) {
			continue
		}

		lookupKey := fieldName
		if field.Alias != nil {
			lookupKey = field.Alias.String()
		}

		value, exists := obj[fieldName]
		if !exists && lookupKey != fieldName {
			value, exists = obj[lookupKey]
		}
		if !exists {
			continue
		}

		nextType := s.fieldTypeName(concreteType, fieldName)
		fieldType := s.fieldASTType(concreteType, fieldName)
		if fieldType == nil {
			// Schema lookup failed (the composed schema doesn't describe
			// this field, e.g. an introspection field); shape without
			// null-bubbling rather than drop the value.
			if len(field.SelectionSet) > 0 {
				shaped, _ := s.Shape(value, field.SelectionSet, nextType)
				result[lookupKey] = shaped
			} else {
				result[lookupKey] = value
			}
			continue
		}

		shaped, bubble := s.completeField(value, fieldType, field.SelectionSet, nextType)
		if bubble {
			// This object has a Non-Null field that resolved to null;
			// the whole object is discarded and the null bubbles to
			// whatever holds this object.
			return nil, true
		}
		result[lookupKey] = shaped
	}
	return result, false
}

// completeField walks fieldType (unwrapping NonNull/List markers) in
// lockstep with value, shaping object positions against selections. It is
// the GraphQL null-bubbling rule itself: a Non-Null position whose
// completed value is null reports bubble=true, which the nearest
// enclosing NonNullType either forwards (it is itself wrapped Non-Null
// one level further out) or a nullable position absorbs by returning a
// plain null.
func (s *Shaper) completeField(value interface{}, fieldType ast.Type, selections []ast.Selection, concreteType string) (result interface{}, bubble bool) {
	if nn, ok := fieldType.(*ast.NonNullType); ok {
		inner, innerBubble := s.completeField(value, nn.Type, selections, concreteType)
		if innerBubble || inner == nil {
			return nil, true
		}
		return inner, false
	}

	if value == nil {
		return nil, false
	}

	if lt, ok := fieldType.(*ast.ListType); ok {
		items, ok := value.([]interface{})
		if !ok {
			return value, false
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			v, b := s.completeField(item, lt.Type, selections, concreteType)
			if b {
				// A Non-Null element resolved to null: the list itself
				// becomes null here (whether that bubbles further is
				// decided by whoever unwraps a NonNullType around this
				// ListType, above).
				return nil, false
			}
			out[i] = v
		}
		return out, false
	}

	if len(selections) == 0 {
		return value, false
	}

	objValue, ok := value.(map[string]interface{})
	if !ok {
		return value, false
	}

	shaped, bubble := s.shapeObject(objValue, selections, concreteType)
	if bubble {
		// The object itself is null: an enclosing NonNullType forwards
		// that, a nullable position keeps it as a plain null.
		return nil, false
	}
	return shaped, false
}

// flattenSelections expands inline fragments and named fragment spreads
// whose type condition is satisfied by concreteType, returning a flat
// list of *ast.Field in selection order. A fragment with no matching
// type condition contributes nothing.
func (s *Shaper) flattenSelections(selections []ast.Selection, concreteType string) []ast.Selection {
	flat := make([]ast.Selection, 0, len(selections))
	for _, sel := range selections {
		switch sv := sel.(type) {
		case *ast.Field:
			flat = append(flat, sv)

		case *ast.InlineFragment:
			condition := ""
			if sv.TypeCondition != nil {
				condition = sv.TypeCondition.String()
			}
			if condition == "" || s.satisfies(concreteType, condition) {
				flat = append(flat, s.flattenSelections(sv.SelectionSet, concreteType)...)
			}

		case *ast.FragmentSpread:
			def := s.lookupFragment(sv.Name.String())
			if def == nil {
				continue
			}
			condition := def.TypeCondition.String()
			if s.satisfies(concreteType, condition) {
				flat = append(flat, s.flattenSelections(def.SelectionSet, concreteType)...)
			}
		}
	}
	return flat
}

func (s *Shaper) lookupFragment(name string) *ast.FragmentDefinition {
	if s.doc == nil {
		return nil
	}
	for _, def := range s.doc.Definitions {
		if frag, ok := def.(*ast.FragmentDefinition); ok && frag.Name.String() == name {
			return frag
		}
	}
	return nil
}

// satisfies reports whether concreteType is a possible type of
// typeCondition: identical object types, any object implementing an
// interface, or any member of a union.
func (s *Shaper) satisfies(concreteType, typeCondition string) bool {
	if concreteType == typeCondition {
		return true
	}
	if s.superGraph == nil || s.superGraph.Schema == nil {
		return false
	}

	for _, def := range s.superGraph.Schema.Definitions {
		switch d := def.(type) {
		case *ast.InterfaceTypeDefinition:
			if d.Name.String() != typeCondition {
				continue
			}
			return s.objectImplements(concreteType, typeCondition)
		case *ast.UnionTypeDefinition:
			if d.Name.String() != typeCondition {
				continue
			}
			for _, member := range d.Types {
				if asStringer(member) == concreteType {
					return true
				}
			}
		}
	}
	return false
}

func (s *Shaper) objectImplements(typeName, interfaceName string) bool {
	for _, def := range s.superGraph.Schema.Definitions {
		obj, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || obj.Name.String() != typeName {
			continue
		}
		for _, iface := range obj.Interfaces {
			if asStringer(iface) == interfaceName {
				return true
			}
		}
	}
	return false
}

// isInaccessible reports whether typeName.fieldName carries @inaccessible
// in any subgraph that owns the entity.
func (s *Shaper) isInaccessible(typeName, fieldName string) bool {
	if s.superGraph == nil {
		return false
	}
	for _, subGraph := range s.superGraph.SubGraphs {
		entity, ok := subGraph.GetEntity(typeName)
		if !ok {
			continue
		}
		if field, ok := entity.Fields[fieldName]; ok && field.IsInaccessible() {
			return true
		}
	}
	return false
}

// fieldTypeName resolves the named return type of typeName.fieldName,
// unwrapping list/non-null wrappers, by scanning the composed schema.
func (s *Shaper) fieldTypeName(typeName, fieldName string) string {
	if s.superGraph == nil || s.superGraph.Schema == nil {
		return ""
	}
	for _, def := range s.superGraph.Schema.Definitions {
		obj, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || obj.Name.String() != typeName {
			continue
		}
		for _, f := range obj.Fields {
			if f.Name.String() == fieldName {
				return unwrapTypeName(f.Type)
			}
		}
	}
	return ""
}

// fieldASTType returns the declared type of typeName.fieldName exactly as
// written in the schema (List/Non-Null wrappers intact), or nil if the
// composed schema doesn't describe the field.
func (s *Shaper) fieldASTType(typeName, fieldName string) ast.Type {
	if s.superGraph == nil || s.superGraph.Schema == nil {
		return nil
	}
	for _, def := range s.superGraph.Schema.Definitions {
		obj, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || obj.Name.String() != typeName {
			continue
		}
		for _, f := range obj.Fields {
			if f.Name.String() == fieldName {
				return f.Type
			}
		}
	}
	return nil
}

// unwrapTypeName strips list/non-null wrappers from a type's textual form,
// e.g. "[Review!]!" -> "Review".
func unwrapTypeName(t ast.Type) string {
	if t == nil {
		return ""
	}
	cleaned := strings.Trim(t.String(), "[]!")
	cleaned = strings.ReplaceAll(cleaned, "[", "")
	cleaned = strings.ReplaceAll(cleaned, "]", "")
	cleaned = strings.ReplaceAll(cleaned, "!", "")
	return cleaned
}

func asStringer(v interface{}) string {
	if sv, ok := v.(stringer); ok {
		return sv.String()
	}
	return fmt.Sprint(v)
}
