package rulepolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchemas = map[string]string{
	"time_exit": `{
		"type": "object",
		"properties": {"exit_dte": {"type": "integer", "minimum": 0}},
		"additionalProperties": false
	}`,
	"delta_risk": `{
		"type": "object",
		"properties": {"max_abs_delta": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}},
		"additionalProperties": false
	}`,
}

func TestParse(t *testing.T) {
	raw := []byte(`
rules:
  - id: time_exit
    priority: 6
    params:
      exit_dte: 1
  - id: delta_risk
    priority: 3
    enabled: false
    params:
      max_abs_delta: "0.7"
`)
	p, err := Parse(raw, testSchemas)
	require.NoError(t, err)
	require.Len(t, p.Entries, 2)
	assert.Equal(t, float64(1), p.Entries[0].Params["exit_dte"])
	assert.Equal(t, 0.7, p.Entries[1].Params["max_abs_delta"])
	enabled := p.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "time_exit", enabled[0].ID)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown rule":      "rules:\n  - id: nope\n",
		"duplicate":         "rules:\n  - id: time_exit\n  - id: time_exit\n",
		"unknown top field": "rulez: []\n",
		"unknown entry key": "rules:\n  - id: time_exit\n    prio: 1\n",
		"schema violation":  "rules:\n  - id: delta_risk\n    params:\n      max_abs_delta: 2\n",
		"extra param":       "rules:\n  - id: time_exit\n    params:\n      exit_days: 1\n",
		"negative priority": "rules:\n  - id: time_exit\n    priority: -1\n",
		"missing id":        "rules:\n  - priority: 1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), testSchemas)
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: time_exit\n    priority: 6\n"), 0o644))

	r, err := Load(path, testSchemas)
	require.NoError(t, err)
	p := r.Policy()
	assert.Equal(t, path, p.Path)
	require.Len(t, p.Entries, 1)
	assert.False(t, r.RestartRequired())

	_, err = Load("", testSchemas)
	assert.Error(t, err)
}
