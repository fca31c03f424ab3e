package graphredis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventkg/pkg/models"
)

func TestWriterStoresHashesAndIndexes(t *testing.T) {
	mr := miniredis.RunT(t)
	w, err := NewWriter(Config{Addr: mr.Addr(), KeyPrefix: "kg"})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteRecords(context.Background(), []*models.GraphRecord{
		{BuildID: "b1", RecordType: models.RecordNode, ID: 1, Labels: []string{"Event"}, Properties: map[string]any{"id": "e1"}},
		{BuildID: "b1", RecordType: models.RecordNode, ID: 2, Labels: []string{"Customer", "Domain"}, Properties: map[string]any{"customer_id": "C1"}},
		{BuildID: "b1", RecordType: models.RecordEdge, ID: 7, Type: "REL", From: 1, To: 2, Properties: map[string]any{"label": "Customer"}},
	}))

	assert.Equal(t, "Customer,Domain", mr.HGet("kg:b1:node:2", "labels"))
	assert.Equal(t, "REL", mr.HGet("kg:b1:edge:7", "type"))
	assert.Equal(t, "2", mr.HGet("kg:b1:edge:7", "to"))

	members, err := mr.Members("kg:b1:label:Domain")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, members)
	members, err = mr.Members("kg:b1:out:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, members)

	builds, err := w.Builds(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, builds)

	node, err := w.Node("b1", 1)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, []string{"Event"}, node.Labels)
	assert.Equal(t, "e1", node.Properties["id"])

	missing, err := w.Node("b1", 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWriterRejectsUnknownRecordType(t *testing.T) {
	mr := miniredis.RunT(t)
	w, err := NewWriter(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer w.Close()

	err = w.WriteRecords(context.Background(), []*models.GraphRecord{{BuildID: "b1", RecordType: "hyperedge", ID: 1}})
	assert.Error(t, err)
	assert.False(t, mr.Exists("eventkg:builds"))
}

func TestNewWriterFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewWriter(Config{Addr: addr})
	assert.Error(t, err)
}
