package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const querySpecs = `version: 1
queries:
  - name: paid_after_package
    match:
      - start: {var: pay, labels: [Event], eq: {activity: pay order}}
        steps:
          - {dir: out, type: CORR, node: {var: o, labels: [Entity], eq: {type: Order}}}
      - start: {var: pkg, labels: [Event], eq: {activity: create package}}
        steps:
          - {type: CORR, node: {var: o}}
    return:
      - {ref: o.id, as: order}
      - {ref: pay.timestamp, as: paid}
      - {ref: pkg.timestamp, agg: min, as: first_package}
    having:
      - {left: paid, op: ">", right: first_package}
    order_by:
      - {col: order}
  - match:
      - start:
          var: e
          labels: [Event]
          where:
            - {prop: activity, op: in, values: [place order, pay order]}
    where:
      - {left: e.timestamp, op: ">=", value: "2024-03-01T10:00:00Z"}
    return:
      - {ref: e.id, as: id}
    order_by:
      - {col: id, desc: true}
    limit: 2
`

func TestParseSpecsAndRun(t *testing.T) {
	set, err := ParseSpecs([]byte(querySpecs))
	require.NoError(t, err)
	require.Len(t, set.Queries, 2)
	assert.Equal(t, "query-2", set.Queries[1].Name)

	s := buildStore(t)
	engine := NewEngine(s)

	spec, ok := set.Find("paid_after_package")
	require.True(t, ok)
	q, err := spec.Build()
	require.NoError(t, err)
	res, err := engine.Run(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"O1", "O4"}, res.Strings("order"))

	q2, err := set.Queries[1].Build()
	require.NoError(t, err)
	res2, err := engine.Run(context.Background(), q2)
	require.NoError(t, err)
	// place order e1, e2 and pay order e4, e5, e10 are at or after 10:00.
	assert.Equal(t, []string{"e5", "e4"}, res2.Strings("id"))
}

func TestSpecBuildRejectsBadOperator(t *testing.T) {
	spec := QuerySpec{
		Name: "bad",
		Match: []PathSpec{{
			Start: NodeSpec{Var: "e", Labels: []string{"Event"}, Where: []PredSpec{{Prop: "id", Op: "~="}}},
		}},
	}
	_, err := spec.Build()
	assert.ErrorIs(t, err, ErrInvalidQuery)

	spec = QuerySpec{
		Name:  "bad-dir",
		Match: []PathSpec{{Start: NodeSpec{Var: "e"}, Steps: []StepSpec{{Dir: "sideways"}}}},
	}
	_, err = spec.Build()
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestLoadSpecsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.yml")
	require.NoError(t, os.WriteFile(path, []byte(querySpecs), 0o644))

	set, err := LoadSpecs(path)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Version)

	_, err = LoadSpecs(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
