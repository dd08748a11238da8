package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) *Meta {
	return &Meta{Timestamp: s}
}

func TestApplyAcceptsNewerWrite(t *testing.T) {
	e := NewEntity("u1")
	e.Fields["name"] = Field{Value: "Ann", Meta: ts("2024-01-01T00:00:00Z")}

	merged, accepted := Apply(e, Payload{
		"name": {Value: "Ben", Meta: ts("2024-01-02T00:00:00Z")},
	})

	require.Equal(t, []string{"name"}, accepted)
	assert.Equal(t, "Ben", merged.FieldValue("name"))
	// The input entity is not mutated.
	assert.Equal(t, "Ann", e.FieldValue("name"))
}

func TestApplyDropsStaleWrite(t *testing.T) {
	e := NewEntity("u1")
	e.Fields["name"] = Field{Value: "Ann", Meta: ts("2024-01-05T00:00:00Z")}

	merged, accepted := Apply(e, Payload{
		"name": {Value: "Ben", Meta: ts("2024-01-02T00:00:00Z")},
	})

	assert.Empty(t, accepted)
	assert.Equal(t, "Ann", merged.FieldValue("name"))
}

func TestApplyTieGoesToIncomingWrite(t *testing.T) {
	e := NewEntity("u1")
	e.Fields["name"] = Field{Value: "Ann", Meta: ts("2024-01-01T00:00:00Z")}

	merged, accepted := Apply(e, Payload{
		"name": {Value: "Ben", Meta: ts("2024-01-01T00:00:00Z")},
	})

	require.Equal(t, []string{"name"}, accepted)
	assert.Equal(t, "Ben", merged.FieldValue("name"))
}

func TestApplyMissingMetaIsLowestPriority(t *testing.T) {
	t.Run("incoming without meta loses to stored with meta", func(t *testing.T) {
		e := NewEntity("u1")
		e.Fields["name"] = Field{Value: "Ann", Meta: ts("2024-01-01T00:00:00Z")}
		merged, accepted := Apply(e, Payload{"name": {Value: "Ben"}})
		assert.Empty(t, accepted)
		assert.Equal(t, "Ann", merged.FieldValue("name"))
	})

	t.Run("stored without meta loses to any incoming", func(t *testing.T) {
		e := NewEntity("u1")
		e.Fields["name"] = Field{Value: "Ann"}
		merged, accepted := Apply(e, Payload{"name": {Value: "Ben"}})
		assert.Equal(t, []string{"name"}, accepted)
		assert.Equal(t, "Ben", merged.FieldValue("name"))
	})
}

func TestApplyPerFieldIndependence(t *testing.T) {
	e := NewEntity("u1")
	e.Fields["name"] = Field{Value: "Ann", Meta: ts("2024-01-05T00:00:00Z")}
	e.Fields["likes"] = Field{Value: float64(3), Meta: ts("2024-01-01T00:00:00Z")}

	merged, accepted := Apply(e, Payload{
		"name":  {Value: "Ben", Meta: ts("2024-01-02T00:00:00Z")},  // stale
		"likes": {Value: float64(7), Meta: ts("2024-01-06T00:00:00Z")}, // fresh
	})

	assert.Equal(t, []string{"likes"}, accepted)
	assert.Equal(t, "Ann", merged.FieldValue("name"))
	assert.Equal(t, float64(7), merged.FieldValue("likes"))
}

func TestApplyIgnoresID(t *testing.T) {
	e := NewEntity("u1")
	merged, accepted := Apply(e, Payload{
		"id":   {Value: "u2"},
		"name": {Value: "Ann", Meta: ts("2024-01-01T00:00:00Z")},
	})
	assert.Equal(t, []string{"name"}, accepted)
	assert.Equal(t, "u1", merged.ID)
	_, hasID := merged.Fields["id"]
	assert.False(t, hasID)
}

func TestStripID(t *testing.T) {
	p := Payload{
		"id":   {Value: "u9"},
		"name": {Value: "Ann"},
	}
	stripped := p.StripID()
	assert.Len(t, stripped, 1)
	assert.Contains(t, stripped, "name")
	// Payloads without an id come back unchanged.
	assert.Len(t, stripped.StripID(), 1)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEntity("u1")
	e.Fields["name"] = Field{Value: "Ann", Meta: ts("2024-01-01T00:00:00Z")}
	e.Fields["likes"] = Field{Value: float64(5)}

	wire := EncodeEntity(e)
	decoded, err := DecodeEntity(wire)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.FieldValue("name"), decoded.FieldValue("name"))
	assert.Equal(t, e.FieldValue("likes"), decoded.FieldValue("likes"))
	assert.Equal(t, "2024-01-01T00:00:00Z", decoded.Fields["name"].Meta.Timestamp)
	assert.Nil(t, decoded.Fields["likes"].Meta)
}

func TestEncodeDecodeRoundTripThroughJSON(t *testing.T) {
	e := NewEntity("p1")
	e.Fields["title"] = Field{Value: "hello", Meta: ts("2024-02-01T10:00:00Z")}

	raw, err := json.Marshal(EncodeEntity(e))
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	decoded, err := DecodeEntity(wire)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded.FieldValue("title"))
}

func TestDecodeEntityErrors(t *testing.T) {
	_, err := DecodeEntity(map[string]any{"name": map[string]any{"value": "Ann"}})
	assert.Error(t, err)

	_, err = DecodeEntity(map[string]any{"id": map[string]any{"value": 42.0}})
	assert.Error(t, err)
}

func TestDecodePayloadStripsID(t *testing.T) {
	p, err := DecodePayload(json.RawMessage(`{"id":{"value":"u1"},"name":{"value":"Ann","_meta":{"timestamp":"2024-01-01T00:00:00Z"}}}`))
	require.NoError(t, err)
	assert.NotContains(t, p, "id")
	assert.Equal(t, "Ann", p["name"].Value)
	assert.Equal(t, "2024-01-01T00:00:00Z", p["name"].Meta.Timestamp)
}

func TestInferValue(t *testing.T) {
	e := NewEntity("u1")
	e.Fields["name"] = Field{Value: "Ann", Meta: ts("2024-01-01T00:00:00Z")}
	v := InferValue(e)
	assert.Equal(t, map[string]any{"id": "u1", "name": "Ann"}, v)
}

func TestTimestampMonotonicity(t *testing.T) {
	e := NewEntity("u1")
	stamps := []string{
		"2024-01-01T00:00:00Z",
		"2024-01-03T00:00:00Z",
		"2024-01-02T00:00:00Z", // dropped
		"2024-01-04T00:00:00Z",
	}
	prev := ""
	for _, s := range stamps {
		e, _ = Apply(e, Payload{"name": {Value: s, Meta: ts(s)}})
		got := e.Fields["name"].Meta.Timestamp
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, "2024-01-04T00:00:00Z", e.Fields["name"].Meta.Timestamp)
}
