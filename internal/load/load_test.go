package load

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		IDColumn:        "EventID",
		ActivityColumn:  "Activity",
		TimestampColumn: "Timestamp",
		Entities: []EntityColumn{
			{Type: "Order", Column: "order"},
			{Type: "Item", Column: "items"},
			{Type: "Package", Column: "package"},
		},
		Attributes:    map[string]string{"price": "float", "weight": "float"},
		ListDelimiter: ",",
		AbsentMarker:  "null",
	}
}

const eventTable = `EventID,Activity,Timestamp,order,items,package,price,weight
e3,pay order,2024-01-01T12:00:00Z,O1,null,null,,
e1,place order,2024-01-01T10:00:00Z,O1,"i1,i2",null,120.5,
e2,create package,2024-01-01 11:00:00,O1,"['i1', 'i2', 'i1']",P1,null,3.5
e4,pay order,not-a-time,O2,null,null,,
e5,pay order,2024-01-02T09:00:00Z,O2,null,null,cheap,
e1,place order,2024-01-03T09:00:00Z,O3,null,null,,
,place order,2024-01-03T09:00:00Z,O3,null,null,,
e6,place order,2024-01-03T09:00:00Z
`

func TestReadCSVParsesAndRejects(t *testing.T) {
	events, report, err := ReadCSV(strings.NewReader(eventTable), testOptions())
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, 3, report.Loaded)
	require.Equal(t, 5, report.RejectedCount())

	e3 := events[0]
	assert.Equal(t, "e3", e3.ID)
	assert.Equal(t, 0, e3.Row)
	assert.Equal(t, []string{"O1"}, e3.EntityIDs("Order"))
	assert.Nil(t, e3.EntityIDs("Item"), "absent marker must not produce identifiers")
	assert.Nil(t, e3.EntityIDs("Package"))

	e1 := events[1]
	assert.Equal(t, []string{"i1", "i2"}, e1.EntityIDs("Item"))
	assert.Equal(t, 120.5, e1.Attrs["price"])

	e2 := events[2]
	assert.Equal(t, []string{"i1", "i2"}, e2.EntityIDs("Item"), "bracketed, quoted and duplicate tokens")
	assert.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), e2.Timestamp)
	assert.Equal(t, 3.5, e2.Attrs["weight"])
	_, hasPrice := e2.Attrs["price"]
	assert.False(t, hasPrice)

	rejected := map[int]error{}
	for _, r := range report.Rejected {
		rejected[r.Row] = r
	}
	assert.ErrorIs(t, rejected[3], ErrBadTimestamp)
	assert.ErrorIs(t, rejected[4], ErrBadValue)
	assert.ErrorIs(t, rejected[5], ErrDuplicateID)
	assert.ErrorIs(t, rejected[6], ErrMissingField)
	assert.ErrorIs(t, rejected[7], ErrMalformedRow)

	reasons := report.Reasons()
	assert.Equal(t, 1, reasons[ErrBadTimestamp.Error()])
	assert.Equal(t, 1, reasons[ErrDuplicateID.Error()])
	assert.Len(t, reasons, 5)
}

func TestReadCSVRequiresHeaderColumns(t *testing.T) {
	_, _, err := ReadCSV(strings.NewReader("EventID,Activity,Timestamp,order\n"), testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items")
}

func TestReadCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(eventTable), 0644))

	events, report, err := ReadCSVFile(path, testOptions())
	require.NoError(t, err)
	assert.Len(t, events, report.Loaded)

	_, _, err = ReadCSVFile(filepath.Join(t.TempDir(), "missing.csv"), testOptions())
	assert.Error(t, err)
}

func TestReadJSONRows(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"EventID":"e1","Activity":"place order","Timestamp":"2024-01-01T10:00:00Z","order":"O1","items":["i1","i2"],"price":12}`),
		[]byte(`{not json`),
		[]byte(`{"EventID":"e2","Activity":"pay order","Timestamp":"2024-01-01T11:00:00Z","order":"O1","items":null}`),
	}
	events, report := ReadJSONRows(payloads, testOptions())
	require.Len(t, events, 2)
	require.Equal(t, 1, report.RejectedCount())
	assert.Equal(t, 1, report.Rejected[0].Row)
	assert.ErrorIs(t, report.Rejected[0], ErrMalformedRow)

	assert.Equal(t, []string{"i1", "i2"}, events[0].EntityIDs("Item"))
	assert.Equal(t, 12.0, events[0].Attrs["price"])
	assert.Equal(t, 2, events[1].Row)
	assert.Nil(t, events[1].EntityIDs("Item"))
}

func TestSplitIdentifiers(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"O1", []string{"O1"}},
		{"NULL", nil},
		{"", nil},
		{"[]", nil},
		{"a; b; null", []string{"a", "b"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SplitIdentifiers(tc.raw, ";", "null"), tc.raw)
	}
}

func TestParseFactsNormalisesValues(t *testing.T) {
	facts, err := ParseFacts([]byte(`
nodes:
  - key: c1
    labels: [Customer]
    properties: {id: C1, age: 41, tags: [vip, 2]}
  - key: de
    labels: [Country, Region]
    properties: {code: DE}
relationships:
  - {from: c1, to: de, type: LOCATED_IN, properties: {since: 2020}}
`))
	require.NoError(t, err)
	require.Len(t, facts.Nodes, 2)
	assert.Equal(t, int64(41), facts.Nodes[0].Properties["age"])
	assert.Equal(t, []any{"vip", int64(2)}, facts.Nodes[0].Properties["tags"])
	assert.Equal(t, []string{"Country", "Region"}, facts.Nodes[1].Labels)
	require.Len(t, facts.Relationships, 1)
	assert.Equal(t, int64(2020), facts.Relationships[0].Properties["since"])

	_, err = ParseFacts([]byte("nodes: [unterminated"))
	assert.Error(t, err)
}
