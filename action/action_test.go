package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeID(t *testing.T) {
	cases := []struct {
		raw  string
		want NodeID
	}{
		{"10:uuid", NodeID{UserID: "10", ClientID: "uuid"}},
		{"38:client", NodeID{UserID: "38", ClientID: "client"}},
		{"10:uuid:node", NodeID{UserID: "10", ClientID: "uuid", NodeRandID: "node"}},
	}
	for _, c := range cases {
		got, err := ParseNodeID(c.raw)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
		assert.Equal(t, c.raw, got.String())
	}
}

func TestParseNodeIDEmpty(t *testing.T) {
	_, err := ParseNodeID("")
	assert.Error(t, err)
}

func TestNodeIDClientKey(t *testing.T) {
	n := NodeID{UserID: "10", ClientID: "uuid", NodeRandID: "node"}
	assert.Equal(t, "10:uuid", n.ClientKey())

	anon := NodeID{ClientID: "uuid"}
	assert.Equal(t, "uuid", anon.ClientKey())
}

func TestParseID(t *testing.T) {
	id, err := ParseID("1560954012838 38:Y7bysd:p3gHb0t4hhkIgmCm4z9mf 0")
	require.NoError(t, err)
	assert.Equal(t, int64(1560954012838), id.Time)
	assert.Equal(t, "38", id.Node.UserID)
	assert.Equal(t, "Y7bysd", id.Node.ClientID)
	assert.Equal(t, "p3gHb0t4hhkIgmCm4z9mf", id.Node.NodeRandID)
	assert.Equal(t, int64(0), id.Seq)
	assert.Equal(t, "1560954012838 38:Y7bysd:p3gHb0t4hhkIgmCm4z9mf 0", id.String())
}

func TestParseIDNoSeq(t *testing.T) {
	id, err := ParseID("1560954012838 38:Y7bysd")
	require.NoError(t, err)
	assert.Equal(t, "1560954012838 38:Y7bysd", id.String())
}

func TestParseIDMalformed(t *testing.T) {
	_, err := ParseID("not-an-id")
	assert.Error(t, err)

	_, err = ParseID("abc 38:Y7bysd")
	assert.Error(t, err)
}

func TestMetaReasons(t *testing.T) {
	m := &Meta{Reasons: []string{"sync", "lastValue"}}
	assert.True(t, m.HasReason("sync"))
	assert.False(t, m.HasReason("missing"))

	empty := m.RemoveReason("sync")
	assert.False(t, empty)
	assert.Equal(t, []string{"lastValue"}, m.Reasons)

	empty = m.RemoveReason("lastValue")
	assert.True(t, empty)
}

func TestActionClone(t *testing.T) {
	a := Action{"type": "user/add", "name": "Ivan"}
	clone := a.Clone()
	clone["name"] = "Anna"
	assert.Equal(t, "Ivan", a["name"])
	assert.Equal(t, "Anna", clone["name"])
	assert.Equal(t, "user/add", a.Type())
}
