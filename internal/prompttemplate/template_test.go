package prompttemplate_test

import (
	"testing"

	"github.com/alignetic/engine/internal/prompttemplate"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleSubstitution(t *testing.T) {
	tpl, err := prompttemplate.Compile("Hello {{name}}, you are in {{location.city}}.")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{
		"name":     "Ada",
		"location": map[string]interface{}{"city": "London"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello Ada, you are in London.", out)
}

func TestRender_MissingVariableIsEmpty(t *testing.T) {
	tpl, err := prompttemplate.Compile("Value: [{{missing}}]")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, "Value: []", out)
}

func TestRender_ForLoop(t *testing.T) {
	tpl, err := prompttemplate.Compile("Rules:\n{% for rule in rules %}- {{rule.name}}: {{rule.action}}\n{% endfor %}Done.")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{
		"rules": []interface{}{
			map[string]interface{}{"name": "r1", "action": "greet"},
			map[string]interface{}{"name": "r2", "action": "escalate"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Rules:\n- r1: greet\n- r2: escalate\nDone.", out)
}

func TestRender_ForLoopOverStructSlice(t *testing.T) {
	type row struct {
		Field string
		Value string
	}
	tpl, err := prompttemplate.Compile("{% for row in rows %}{{row.Field}}={{row.Value}};{% endfor %}")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{
		"rows": []row{{Field: "email", Value: "set"}, {Field: "plan", Value: "pro"}},
	})
	require.NoError(t, err)
	require.Equal(t, "email=set;plan=pro;", out)
}

func TestCompile_RejectsArbitraryExpressions(t *testing.T) {
	_, err := prompttemplate.Compile("{{ 1 + 1 }}")
	require.Error(t, err)

	_, err = prompttemplate.Compile("{% if true %}x{% endif %}")
	require.Error(t, err)
}

func TestCompile_RejectsUnbalancedFor(t *testing.T) {
	_, err := prompttemplate.Compile("{% for x in y %}unterminated")
	require.Error(t, err)
}

func TestExtractVariables_DedupesAndOrdersByFirstSeen(t *testing.T) {
	vars := prompttemplate.ExtractVariables("{{b}} {{a}} {% for item in c %}{{item.x}}{% endfor %} {{a}}")
	require.Equal(t, []string{"b", "a", "c"}, vars)
}
