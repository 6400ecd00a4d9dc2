// Package prompttemplate implements the minimal templating engine spec §9
// calls for in place of Jinja: "precompiled, parameterised text templates
// with a minimal {{identifier}} substitution engine plus block/for
// constructs for the small set of required iterations (conversation
// window, schema-mask rows, candidate rules); the engine disallows
// arbitrary expressions."
//
// Grounded on the teacher's internal/resolver.RenderPrompt/ExtractVariables
// {{var}} substitution loop, extended with a {% for x in list %}...{% endfor
// %} block construct. There is no expression language: a variable reference
// is a dotted field path, nothing else — no arithmetic, no function calls,
// no conditionals.
package prompttemplate

import (
	"fmt"
	"reflect"
	"strings"
)

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeFor
)

type node struct {
	kind nodeKind
	text string // nodeText
	path string // nodeVar: dotted field path
	loopVar  string // nodeFor: the per-item binding name
	listPath string // nodeFor: dotted path to the iterable
	body     []node // nodeFor: compiled loop body
}

// Template is a precompiled prompt template. Compile once, Render many
// times against different variable scopes.
type Template struct {
	nodes []node
}

// Compile parses src into a Template. Unbalanced or unknown {% %} tags are
// a compile-time error — templates are precompiled at construction time,
// never re-parsed per render.
func Compile(src string) (*Template, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	nodes, rest, err := parse(toks)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("prompttemplate: unexpected trailing %q", rest[0].raw)
	}
	return &Template{nodes: nodes}, nil
}

// MustCompile compiles src or panics. Intended for the small number of
// built-in templates compiled once at process startup.
func MustCompile(src string) *Template {
	t, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Render substitutes vars into the template. Missing variables render as
// an empty string rather than erroring, matching the teacher's
// RenderPrompt behavior for unresolved placeholders.
func (t *Template) Render(vars map[string]interface{}) (string, error) {
	var sb strings.Builder
	if err := renderNodes(t.nodes, []map[string]interface{}{vars}, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func renderNodes(nodes []node, scopes []map[string]interface{}, sb *strings.Builder) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			sb.WriteString(n.text)
		case nodeVar:
			v, _ := resolve(n.path, scopes)
			sb.WriteString(stringify(v))
		case nodeFor:
			list, ok := resolve(n.listPath, scopes)
			if !ok {
				continue
			}
			items, err := toSlice(list)
			if err != nil {
				return fmt.Errorf("prompttemplate: for %s in %s: %w", n.loopVar, n.listPath, err)
			}
			for _, item := range items {
				itemScope := map[string]interface{}{n.loopVar: item}
				if err := renderNodes(n.body, append(scopes, itemScope), sb); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// resolve walks scopes from innermost (last) to outermost (first),
// returning the first match for the dotted path.
func resolve(path string, scopes []map[string]interface{}) (interface{}, bool) {
	parts := strings.Split(path, ".")
	for i := len(scopes) - 1; i >= 0; i-- {
		if v, ok := scopes[i][parts[0]]; ok {
			return resolveField(v, parts[1:])
		}
	}
	return nil, false
}

func resolveField(v interface{}, rest []string) (interface{}, bool) {
	for _, field := range rest {
		if v == nil {
			return nil, false
		}
		switch m := v.(type) {
		case map[string]interface{}:
			nv, ok := m[field]
			if !ok {
				return nil, false
			}
			v = nv
			continue
		}
		rv := reflect.ValueOf(v)
		for rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil, false
			}
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			return nil, false
		}
		fv := rv.FieldByName(field)
		if !fv.IsValid() {
			return nil, false
		}
		v = fv.Interface()
	}
	return v, true
}

func toSlice(v interface{}) ([]interface{}, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("not iterable: %T", v)
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ExtractVariables returns every top-level dotted path referenced by
// {{...}} or {% for _ in ... %} in src, in first-seen order, deduplicated.
// Grounded on the teacher's ExtractVariables (templateVarRegex scan).
func ExtractVariables(src string) []string {
	toks, err := tokenize(src)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	var loopVars []string
	bound := func(root string) bool {
		for _, lv := range loopVars {
			if lv == root {
				return true
			}
		}
		return false
	}
	add := func(path string) {
		root := strings.SplitN(path, ".", 2)[0]
		if bound(root) || seen[root] {
			return
		}
		seen[root] = true
		out = append(out, root)
	}
	for _, tk := range toks {
		switch tk.kind {
		case tokVar:
			add(tk.raw)
		case tokForStart:
			add(tk.listPath)
			loopVars = append(loopVars, tk.loopVar)
		case tokForEnd:
			if len(loopVars) > 0 {
				loopVars = loopVars[:len(loopVars)-1]
			}
		}
	}
	return out
}
