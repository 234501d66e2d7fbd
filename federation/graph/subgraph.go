package graph

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"

	"github.com/openfed-dev/federation-gateway/federation/arena"
)

// EntityKey represents the @key directive information of an Entity.
type EntityKey struct {
	FieldSet   string // Field set specified in @key (e.g., "id")
	Resolvable bool   // Resolvable parameter of @key directive
}

// Override represents the @override directive information of a Field.
type Override struct {
	From string // Subgraph name the field is overridden from
}

// Field represents field information of an Entity.
type Field struct {
	Name          string    // Field name
	Type          ast.Type  // Field type
	Requires      []string  // Fields specified in @requires directive
	Provides      []string  // Fields specified in @provides directive
	isShareable   bool      // Whether @shareable directive is present
	isInaccessible bool     // Whether @inaccessible directive is present
	override      *Override // @override directive information, nil if absent
}

// Entity represents an ObjectType with @key directive.
type Entity struct {
	Keys        []EntityKey       // Key information of the Entity
	isExtension bool              // Whether defined as an extension
	Fields      map[string]*Field // Field map with field name as key
}

// SubGraph represents a subgraph information.
type SubGraph struct {
	Name   string        // Subgraph name (e.g., "product")
	Host   string        // Host (e.g., "product.example.com")
	Schema *ast.Document // Schema AST

	// ID is this subgraph's identity within the owning SuperGraph's
	// subgraph name table. It is the zero value until NewSuperGraph
	// assigns it; code that needs to tell two subgraphs apart compares
	// ID, never Name, once a SuperGraph exists.
	ID arena.StringId

	names    *arena.StringTable       // interns this subgraph's entity type names
	entities map[arena.StringId]*Entity // Entity map keyed by interned type name, not the raw string
}

// NewSubGraph initializes a SubGraph by parsing the schema and extracting entities.
// It analyzes @key, @requires, @provides, @shareable, and @external directives.
func NewSubGraph(name string, src []byte, host string) (*SubGraph, error) {
	// Parse schema and obtain AST
	l := lexer.New(string(src))
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		return nil, fmt.Errorf("parse error: %v", p.Errors())
	}

	return newSubGraphFromDocument(name, host, doc), nil
}

// newSubGraphFromDocument extracts entities from an already-parsed document.
// Shared by NewSubGraph (one raw SDL document per subgraph) and
// NewSuperGraphFromComposedSDL (one synthesized document per join__Graph
// entry, carved out of a single pre-composed SDL).
func newSubGraphFromDocument(name, host string, doc *ast.Document) *SubGraph {
	sg := &SubGraph{
		Name:     name,
		Host:     host,
		Schema:   doc,
		names:    arena.NewStringTable(),
		entities: make(map[arena.StringId]*Entity),
	}

	// Traverse all type definitions
	for _, def := range doc.Definitions {
		// Process ObjectTypeDefinition
		if objType, ok := def.(*ast.ObjectTypeDefinition); ok {
			if isEntity(objType.Directives) {
				entity := &Entity{
					Keys:        parseEntityKeys(objType.Directives),
					isExtension: false,
					Fields:      make(map[string]*Field),
				}

				// Traverse all fields
				for _, field := range objType.Fields {
					entity.Fields[field.Name.String()] = parseField(field)
				}

				sg.entities[sg.names.Intern(objType.Name.String())] = entity
			}
		}

		// Process ObjectTypeExtension
		if objExt, ok := def.(*ast.ObjectTypeExtension); ok {
			if isEntity(objExt.Directives) {
				entity := &Entity{
					Keys:        parseEntityKeys(objExt.Directives),
					isExtension: true,
					Fields:      make(map[string]*Field),
				}

				// Traverse all fields
				for _, field := range objExt.Fields {
					entity.Fields[field.Name.String()] = parseField(field)
				}

				sg.entities[sg.names.Intern(objExt.Name.String())] = entity
			}
		}
	}

	return sg
}

// GetEntities returns the entities map, keyed by type name.
func (sg *SubGraph) GetEntities() map[string]*Entity {
	out := make(map[string]*Entity, len(sg.entities))
	for id, entity := range sg.entities {
		out[sg.names.String(id)] = entity
	}
	return out
}

// GetEntity returns the Entity with the specified name.
func (sg *SubGraph) GetEntity(name string) (*Entity, bool) {
	id, ok := sg.names.Lookup(name)
	if !ok {
		return nil, false
	}
	entity, ok := sg.entities[id]
	return entity, ok
}

// isEntity checks if @key directive exists.
func isEntity(directives []*ast.Directive) bool {
	for _, d := range directives {
		if d.Name == "key" {
			return true
		}
	}
	return false
}

// parseEntityKeys parses EntityKey list from @key directives.
func parseEntityKeys(directives []*ast.Directive) []EntityKey {
	var keys []EntityKey

	for _, d := range directives {
		if d.Name == "key" {
			key := EntityKey{
				Resolvable: true, // Default is true
			}

			// Parse arguments
			for _, arg := range d.Arguments {
				switch arg.Name.String() {
				case "fields":
					// Get fields value (remove quotes)
					fieldSet := strings.Trim(arg.Value.String(), "\"")
					key.FieldSet = fieldSet
				case "resolvable":
					// Get resolvable value
					if arg.Value.String() == "false" {
						key.Resolvable = false
					}
				}
			}

			keys = append(keys, key)
		}
	}

	return keys
}

// parseField creates a Field structure from field definition.
func parseField(field *ast.FieldDefinition) *Field {
	f := &Field{
		Name:        field.Name.String(),
		Type:        field.Type,
		Requires:    []string{},
		Provides:    []string{},
		isShareable: false,
	}

	// Parse directives
	for _, d := range field.Directives {
		switch d.Name {
		case "requires":
			// Parse fields argument of @requires directive
			if len(d.Arguments) > 0 {
				fieldsVal := strings.Trim(d.Arguments[0].Value.String(), "\"")
				f.Requires = strings.Fields(fieldsVal)
			}
		case "provides":
			// Parse fields argument of @provides directive
			if len(d.Arguments) > 0 {
				fieldsVal := strings.Trim(d.Arguments[0].Value.String(), "\"")
				f.Provides = strings.Fields(fieldsVal)
			}
		case "shareable":
			f.isShareable = true
		case "inaccessible":
			f.isInaccessible = true
		case "override":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "from" {
					f.override = &Override{From: strings.Trim(arg.Value.String(), "\"")}
				}
			}
		}
	}

	return f
}

// IsShareable returns whether the field has @shareable directive.
func (f *Field) IsShareable() bool {
	return f.isShareable
}

// IsInaccessible returns whether the field has @inaccessible directive.
func (f *Field) IsInaccessible() bool {
	return f.isInaccessible
}

// GetOverride returns the @override directive information, or nil if absent.
func (f *Field) GetOverride() *Override {
	return f.override
}

// IsExtension returns whether the Entity is defined as an extension.
func (e *Entity) IsExtension() bool {
	return e.isExtension
}

// IsResolvable returns whether the Entity has at least one resolvable key.
// If all keys have resolvable: false, this returns false.
func (e *Entity) IsResolvable() bool {
	for _, key := range e.Keys {
		if key.Resolvable {
			return true
		}
	}
	return false
}
