package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDeterminism(t *testing.T) {
	a := Data(344, 41085)
	b := Data(344, 41085)
	assert.Equal(t, a, b, "same domain key must produce the same id")

	c := Data(78, 41085)
	assert.NotEqual(t, a, c)
}

func TestDataRoundTrip(t *testing.T) {
	id := Data(344, 41085)
	modelID, recordID, ok := DataComponents(id)
	require.True(t, ok)
	assert.EqualValues(t, 344, modelID)
	assert.EqualValues(t, 41085, recordID)
	assert.Equal(t, NamespaceData, NamespaceOf(id))
}

func TestSchemaRoundTrip(t *testing.T) {
	id := Schema(9001)
	fieldID, ok := SchemaComponents(id)
	require.True(t, ok)
	assert.EqualValues(t, 9001, fieldID)
}

func TestGraphRoundTrip(t *testing.T) {
	id := Graph(344, 78, 55, RelationSingle)
	src, tgt, field, kind, ok := GraphComponents(id)
	require.True(t, ok)
	assert.EqualValues(t, 344, src)
	assert.EqualValues(t, 78, tgt)
	assert.EqualValues(t, 55, field)
	assert.Equal(t, RelationSingle, kind)
}

func TestGraphDistinguishesRelationKind(t *testing.T) {
	single := Graph(344, 78, 55, RelationSingle)
	multi := Graph(344, 78, 55, RelationMulti)
	assert.NotEqual(t, single, multi)
}

func TestKnowledgeRoundTrip(t *testing.T) {
	id := Knowledge(1, 344, 777)
	level, modelID, item, ok := KnowledgeComponents(id)
	require.True(t, ok)
	assert.EqualValues(t, 1, level)
	assert.EqualValues(t, 344, modelID)
	assert.EqualValues(t, 777, item)
}

func TestCrossNamespaceComponentsRejected(t *testing.T) {
	dataID := Data(1, 1)
	_, ok := SchemaComponents(dataID)
	assert.False(t, ok)

	_, _, ok = DataComponents(Schema(1))
	assert.False(t, ok)
}

func TestStringParseRoundTrip(t *testing.T) {
	id := Data(344, 41085)
	s := String(id)
	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFieldIDOverflowPanics(t *testing.T) {
	assert.Panics(t, func() {
		Schema(1 << 48)
	})
}
