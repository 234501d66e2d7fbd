// Package operation implements client operation parsing support that sits
// in front of the planner: named-fragment inlining with cycle detection
// and the operation-limit checks from spec §4.2/§6 (depth, height,
// aliases, root fields, complexity).
package operation

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
)

// Limits bounds a single operation. A zero value for any field means that
// axis is unchecked.
type Limits struct {
	MaxDepth      int
	MaxHeight     int
	MaxAliases    int
	MaxRootFields int
	MaxComplexity int
}

// LimitError reports which axis of Limits was exceeded.
type LimitError struct {
	Kind     string
	Observed int
	Max      int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("operation limit exceeded: %s observed %d, max %d", e.Kind, e.Observed, e.Max)
}

// CycleError reports a fragment spread cycle detected while inlining.
type CycleError struct {
	FragmentName string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("fragment cycle detected at %q", e.FragmentName)
}

// Inliner expands named fragment spreads into their referenced selection
// sets, in place of the spread, rejecting cycles.
type Inliner struct {
	fragments map[string]*ast.FragmentDefinition
}

// NewInliner indexes every fragment definition in doc by name.
func NewInliner(doc *ast.Document) *Inliner {
	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		if frag, ok := def.(*ast.FragmentDefinition); ok {
			fragments[frag.Name.String()] = frag
		}
	}
	return &Inliner{fragments: fragments}
}

// Inline returns selections with every *ast.FragmentSpread replaced by an
// equivalent *ast.InlineFragment carrying the fragment's own (recursively
// inlined) selection set and type condition.
func (i *Inliner) Inline(selections []ast.Selection) ([]ast.Selection, error) {
	return i.inline(selections, make(map[string]bool))
}

func (i *Inliner) inline(selections []ast.Selection, active map[string]bool) ([]ast.Selection, error) {
	result := make([]ast.Selection, 0, len(selections))
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if len(s.SelectionSet) > 0 {
				inlined, err := i.inline(s.SelectionSet, active)
				if err != nil {
					return nil, err
				}
				cp := *s
				cp.SelectionSet = inlined
				result = append(result, &cp)
			} else {
				result = append(result, s)
			}

		case *ast.InlineFragment:
			inlined, err := i.inline(s.SelectionSet, active)
			if err != nil {
				return nil, err
			}
			cp := *s
			cp.SelectionSet = inlined
			result = append(result, &cp)

		case *ast.FragmentSpread:
			name := s.Name.String()
			if active[name] {
				return nil, &CycleError{FragmentName: name}
			}
			def, ok := i.fragments[name]
			if !ok {
				return nil, fmt.Errorf("unknown fragment %q", name)
			}

			active[name] = true
			inlined, err := i.inline(def.SelectionSet, active)
			delete(active, name)
			if err != nil {
				return nil, err
			}

			result = append(result, &ast.InlineFragment{
				TypeCondition: def.TypeCondition,
				Directives:    def.Directives,
				SelectionSet:  inlined,
			})
		}
	}
	return result, nil
}

// Validate checks selections (the root operation's selection set) against
// limits, returning the first violated axis as a *LimitError.
func Validate(selections []ast.Selection, limits Limits) error {
	rootFields := countRootFields(selections)
	if limits.MaxRootFields > 0 && rootFields > limits.MaxRootFields {
		return &LimitError{Kind: "root_fields", Observed: rootFields, Max: limits.MaxRootFields}
	}

	depth := measureDepth(selections, 0)
	if limits.MaxDepth > 0 && depth > limits.MaxDepth {
		return &LimitError{Kind: "depth", Observed: depth, Max: limits.MaxDepth}
	}

	height := countHeight(selections, make(map[string]bool))
	if limits.MaxHeight > 0 && height > limits.MaxHeight {
		return &LimitError{Kind: "height", Observed: height, Max: limits.MaxHeight}
	}

	aliases := countAliases(selections)
	if limits.MaxAliases > 0 && aliases > limits.MaxAliases {
		return &LimitError{Kind: "aliases", Observed: aliases, Max: limits.MaxAliases}
	}

	complexity := measureComplexity(selections)
	if limits.MaxComplexity > 0 && complexity > limits.MaxComplexity {
		return &LimitError{Kind: "complexity", Observed: complexity, Max: limits.MaxComplexity}
	}

	return nil
}

func countRootFields(selections []ast.Selection) int {
	n := 0
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			n++
		case *ast.InlineFragment:
			n += countRootFields(s.SelectionSet)
		}
	}
	return n
}

func measureDepth(selections []ast.Selection, current int) int {
	max := current
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if len(s.SelectionSet) > 0 {
				if d := measureDepth(s.SelectionSet, current+1); d > max {
					max = d
				}
			}
		case *ast.InlineFragment:
			if d := measureDepth(s.SelectionSet, current); d > max {
				max = d
			}
		}
	}
	return max
}

// countHeight counts the number of distinct (name) fields reachable in
// the operation, per spec's "unique field count" definition.
func countHeight(selections []ast.Selection, seen map[string]bool) int {
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			seen[s.Name.String()] = true
			countHeight(s.SelectionSet, seen)
		case *ast.InlineFragment:
			countHeight(s.SelectionSet, seen)
		}
	}
	return len(seen)
}

func countAliases(selections []ast.Selection) int {
	n := 0
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if s.Alias != nil {
				n++
			}
			n += countAliases(s.SelectionSet)
		case *ast.InlineFragment:
			n += countAliases(s.SelectionSet)
		}
	}
	return n
}

// measureComplexity scores scalar fields at 1, fields with a nested
// selection set at 2 times the sum of their children (a list argument
// multiplies that by a fetched-count heuristic of 10, approximating an
// unbounded collection), per §4.2.
func measureComplexity(selections []ast.Selection) int {
	total := 0
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if len(s.SelectionSet) == 0 {
				total += 1
				continue
			}
			childCost := measureComplexity(s.SelectionSet)
			cost := 2 * childCost
			if hasListArgument(s) {
				cost *= 10
			}
			total += cost
		case *ast.InlineFragment:
			total += measureComplexity(s.SelectionSet)
		}
	}
	return total
}

func hasListArgument(field *ast.Field) bool {
	for _, arg := range field.Arguments {
		if _, ok := arg.Value.(*ast.ListValue); ok {
			return true
		}
	}
	return false
}
