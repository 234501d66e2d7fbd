package graph

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

// composed.go implements the composer's second input path: a single SDL
// document that is already composed, carrying @join__graph/@join__type/
// @join__field/@join__implements/@join__unionMember/@join__enumValue/@link
// directives (the shape produced by a separate schema-composition step),
// rather than N raw per-subgraph SDLs each carrying bare @key/@requires/
// @provides/@external/@override directives.
//
// Rather than teach the planner/executor/shaper a second graph
// representation, this file translates the join-directive document into the
// same per-subgraph *ast.Document shape NewSubGraph already produces, then
// hands the results to the existing NewSuperGraph — the rest of the
// composer, and everything downstream of it, is unchanged.

// joinSubgraph holds the name/url extracted from one join__Graph enum value.
type joinSubgraph struct {
	name string
	url  string
}

// NewSuperGraphFromComposedSDL builds a SuperGraph from a single already-
// composed SDL document. join__Graph enum values are authoritative for
// subgraph name and URL (spec requirement); every other join directive is
// translated into the bare federation directive it corresponds to on a
// synthesized per-subgraph document, then run through the same entity
// extraction and ownership-map construction as the raw-SDL input path.
func NewSuperGraphFromComposedSDL(src []byte) (*SuperGraph, error) {
	l := lexer.New(string(src))
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		return nil, fmt.Errorf("parse error: %v", p.Errors())
	}

	subgraphsByEnumValue, order, err := extractJoinGraphs(doc)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("composed SDL: no join__Graph enum with @join__graph values found")
	}

	perGraphDefs := make(map[string][]ast.Definition, len(order))
	for _, enumVal := range order {
		perGraphDefs[enumVal] = nil
	}

	// Definitions with no per-graph ownership (interfaces, unions, enums
	// other than join__Graph, input objects, custom scalars, directive
	// definitions) are shared across the composed schema. Anchoring them on
	// the first subgraph is enough: composeSchema's merge unions every
	// subgraph's document back into one schema, so anything present on
	// exactly one subgraph document still ends up in the final merged
	// schema exactly once.
	anchor := order[0]

	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.ObjectTypeDefinition:
			if d.Name.String() == "join__Graph" {
				continue
			}
			distributeObjectType(d.Name.String(), d.Directives, d.Fields, order, perGraphDefs)
		case *ast.ObjectTypeExtension:
			distributeObjectType(d.Name.String(), d.Directives, d.Fields, order, perGraphDefs)
		case *ast.EnumTypeDefinition:
			if d.Name.String() == "join__Graph" || isJoinScaffoldName(d.Name.String()) {
				continue
			}
			perGraphDefs[anchor] = append(perGraphDefs[anchor], d)
		case *ast.ScalarTypeDefinition:
			if isJoinScaffoldName(d.Name.String()) {
				continue
			}
			perGraphDefs[anchor] = append(perGraphDefs[anchor], d)
		case *ast.InterfaceTypeDefinition, *ast.UnionTypeDefinition, *ast.InputObjectTypeDefinition, *ast.DirectiveDefinition:
			perGraphDefs[anchor] = append(perGraphDefs[anchor], d)
		}
	}

	subGraphs := make([]*SubGraph, 0, len(order))
	for _, enumVal := range order {
		js := subgraphsByEnumValue[enumVal]
		subDoc := &ast.Document{Definitions: perGraphDefs[enumVal]}
		subGraphs = append(subGraphs, newSubGraphFromDocument(js.name, js.url, subDoc))
	}

	return NewSuperGraph(subGraphs)
}

// isJoinScaffoldName reports whether a type name belongs to the federation
// composition machinery itself (join__*/link__* helper types), rather than
// to the domain schema, and so should never be copied into a subgraph's
// document.
func isJoinScaffoldName(name string) bool {
	return strings.HasPrefix(name, "join__") || strings.HasPrefix(name, "link__") || name == "Import"
}

// extractJoinGraphs reads the join__Graph enum and returns the subgraph
// name/url for each value, plus the values in declaration order (used as a
// stable iteration order and as the anchor graph for shared, non-owned
// definitions).
func extractJoinGraphs(doc *ast.Document) (map[string]joinSubgraph, []string, error) {
	subgraphs := make(map[string]joinSubgraph)
	var order []string

	for _, def := range doc.Definitions {
		enumDef, ok := def.(*ast.EnumTypeDefinition)
		if !ok || enumDef.Name.String() != "join__Graph" {
			continue
		}

		for _, v := range enumDef.Values {
			enumValue := v.Name.String()

			var d *ast.Directive
			for _, candidate := range v.Directives {
				if candidate.Name == "join__graph" {
					d = candidate
					break
				}
			}
			if d == nil {
				return nil, nil, fmt.Errorf("composed SDL: join__Graph value %s is missing @join__graph", enumValue)
			}

			name, _ := directiveArgString(d, "name")
			url, _ := directiveArgString(d, "url")
			subgraphs[enumValue] = joinSubgraph{name: name, url: url}
			order = append(order, enumValue)
		}
	}

	return subgraphs, order, nil
}

// distributeObjectType splits one composed object type's fields out across
// the per-subgraph documents named by its @join__type/@join__field
// directives, synthesizing the bare @key/@external/@requires/@provides/
// @override directives each subgraph's document would have carried on its
// own raw SDL.
func distributeObjectType(typeName string, directives []*ast.Directive, fields []*ast.FieldDefinition, order []string, perGraphDefs map[string][]ast.Definition) {
	joinTypes := parseJoinTypeDirectives(directives)
	if len(joinTypes) == 0 {
		// No @join__type: every graph that references the type shares it as-is.
		// This only occurs for root operation types in some composers; treat
		// every subgraph as a (non-entity) owner of the unqualified type.
		for _, enumValue := range order {
			perGraphDefs[enumValue] = append(perGraphDefs[enumValue], synthesizeTypeForGraph(typeName, nil, fields, enumValue, false))
		}
		return
	}

	for _, jt := range joinTypes {
		fieldsForGraph := make([]*ast.FieldDefinition, 0, len(fields))
		for _, field := range fields {
			joinFields := parseJoinFieldDirectives(field.Directives)
			synthesized, owned := synthesizeField(field, jt.graph, joinFields)
			if owned {
				fieldsForGraph = append(fieldsForGraph, synthesized)
			}
		}

		var keyDirectives []*ast.Directive
		if jt.hasKey {
			keyDirectives = append(keyDirectives, &ast.Directive{
				Name: "key",
				Arguments: []*ast.Argument{
					{Name: &ast.Name{Value: "fields"}, Value: &ast.StringValue{Value: jt.key}},
					{Name: &ast.Name{Value: "resolvable"}, Value: &ast.BooleanValue{Value: jt.resolvable}},
				},
			})
		}

		perGraphDefs[jt.graph] = append(perGraphDefs[jt.graph], synthesizeTypeForGraph(typeName, keyDirectives, fieldsForGraph, jt.graph, jt.extension))
	}
}

// synthesizeTypeForGraph builds the ObjectTypeDefinition or ObjectTypeExtension
// a single subgraph's own raw SDL would have defined for typeName.
func synthesizeTypeForGraph(typeName string, keyDirectives []*ast.Directive, fields []*ast.FieldDefinition, graph string, extension bool) ast.Definition {
	name := &ast.Name{Value: typeName}
	if extension {
		return &ast.ObjectTypeExtension{
			Name:       name,
			Fields:     fields,
			Directives: keyDirectives,
		}
	}
	return &ast.ObjectTypeDefinition{
		Name:       name,
		Fields:     fields,
		Directives: keyDirectives,
	}
}

// synthesizeField builds the field definition a single subgraph's own SDL
// would carry for field, translating its @join__field entry (if any) into
// @external/@requires/@provides/@override. A field with no @join__field
// directives at all belongs to every graph that owns the parent type, per
// the composed-SDL convention.
func synthesizeField(field *ast.FieldDefinition, graph string, joinFields []joinFieldEntry) (*ast.FieldDefinition, bool) {
	if len(joinFields) == 0 {
		return &ast.FieldDefinition{
			Name:      field.Name,
			Arguments: field.Arguments,
			Type:      field.Type,
		}, true
	}

	for _, jf := range joinFields {
		if jf.hasGraph && jf.graph != graph {
			continue
		}

		var directives []*ast.Directive
		if jf.external {
			directives = append(directives, &ast.Directive{Name: "external"})
		}
		if jf.requires != "" {
			directives = append(directives, &ast.Directive{
				Name:      "requires",
				Arguments: []*ast.Argument{{Name: &ast.Name{Value: "fields"}, Value: &ast.StringValue{Value: jf.requires}}},
			})
		}
		if jf.provides != "" {
			directives = append(directives, &ast.Directive{
				Name:      "provides",
				Arguments: []*ast.Argument{{Name: &ast.Name{Value: "fields"}, Value: &ast.StringValue{Value: jf.provides}}},
			})
		}
		if jf.override != "" {
			directives = append(directives, &ast.Directive{
				Name:      "override",
				Arguments: []*ast.Argument{{Name: &ast.Name{Value: "from"}, Value: &ast.StringValue{Value: jf.override}}},
			})
		}

		return &ast.FieldDefinition{
			Name:       field.Name,
			Arguments:  field.Arguments,
			Type:       field.Type,
			Directives: directives,
		}, true
	}

	return nil, false
}

// joinTypeEntry is one @join__type(graph, key?, extension?, resolvable?)
// occurrence on a composed object type; a type carries one per owning graph.
type joinTypeEntry struct {
	graph      string
	key        string
	hasKey     bool
	extension  bool
	resolvable bool
}

func parseJoinTypeDirectives(directives []*ast.Directive) []joinTypeEntry {
	var entries []joinTypeEntry
	for _, d := range directives {
		if d.Name != "join__type" {
			continue
		}
		entry := joinTypeEntry{resolvable: true}
		if graph, ok := directiveArgString(d, "graph"); ok {
			entry.graph = graph
		}
		if key, ok := directiveArgString(d, "key"); ok && key != "" {
			entry.key = key
			entry.hasKey = true
		}
		entry.extension = directiveArgBool(d, "extension")
		if _, ok := directiveArg(d, "resolvable"); ok {
			entry.resolvable = directiveArgBool(d, "resolvable")
		}
		entries = append(entries, entry)
	}
	return entries
}

// joinFieldEntry is one @join__field(graph?, requires?, provides?, external?,
// override?) occurrence on a composed field.
type joinFieldEntry struct {
	graph    string
	hasGraph bool
	requires string
	provides string
	override string
	external bool
}

func parseJoinFieldDirectives(directives []*ast.Directive) []joinFieldEntry {
	var entries []joinFieldEntry
	for _, d := range directives {
		if d.Name != "join__field" {
			continue
		}
		entry := joinFieldEntry{}
		if graph, ok := directiveArgString(d, "graph"); ok {
			entry.graph = graph
			entry.hasGraph = true
		}
		entry.requires, _ = directiveArgString(d, "requires")
		entry.provides, _ = directiveArgString(d, "provides")
		entry.override, _ = directiveArgString(d, "override")
		entry.external = directiveArgBool(d, "external")
		entries = append(entries, entry)
	}
	return entries
}

// directiveArg returns the named argument of a directive, if present.
func directiveArg(d *ast.Directive, name string) (*ast.Argument, bool) {
	for _, arg := range d.Arguments {
		if arg.Name.String() == name {
			return arg, true
		}
	}
	return nil, false
}

// directiveArgString returns the named argument's value with any surrounding
// quotes trimmed, matching the convention subgraph.go's directive parsing
// already uses for @key/@requires/@provides/@override.
func directiveArgString(d *ast.Directive, name string) (string, bool) {
	arg, ok := directiveArg(d, name)
	if !ok {
		return "", false
	}
	return strings.Trim(arg.Value.String(), "\""), true
}

// directiveArgBool returns whether the named argument is present and "true".
func directiveArgBool(d *ast.Directive, name string) bool {
	v, ok := directiveArgString(d, name)
	return ok && v == "true"
}
