package meshid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerID_ParseRoundTrip(t *testing.T) {
	id, err := NewServerID()
	require.NoError(t, err)

	parsed, err := ParseServerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.False(t, id.IsZero())
}

func TestServerID_ParseRejectsWrongLength(t *testing.T) {
	_, err := ParseServerID("aabb")
	assert.Error(t, err)
}

func TestServerID_ParseRejectsNonHex(t *testing.T) {
	_, err := ParseServerID("not-hex-at-all-not-hex-at-all-x")
	assert.Error(t, err)
}

func TestServerID_ShortIsPrefixOfString(t *testing.T) {
	id, err := NewServerID()
	require.NoError(t, err)
	assert.Equal(t, id.String()[:8], id.Short())
	assert.Len(t, id.Short(), 8)
}

func TestServerID_GraphLabelIsStableAndShort(t *testing.T) {
	id, err := NewServerID()
	require.NoError(t, err)
	assert.Equal(t, id.GraphLabel(), id.GraphLabel())
	assert.Len(t, id.GraphLabel(), 4)
}

func TestServerID_GreaterIsAntisymmetric(t *testing.T) {
	a, err := NewServerID()
	require.NoError(t, err)
	b, err := NewServerID()
	require.NoError(t, err)
	if a == b {
		t.Skip("extraordinarily unlucky random collision")
	}
	assert.NotEqual(t, a.Greater(b), b.Greater(a))
}

func TestCounter_NextStartsAtOneAndIncrements(t *testing.T) {
	var c Counter
	assert.EqualValues(t, 0, c.Peek())
	assert.EqualValues(t, 1, c.Next())
	assert.EqualValues(t, 2, c.Next())
	assert.EqualValues(t, 2, c.Peek())
}

func TestMessageID_String(t *testing.T) {
	id, err := NewServerID()
	require.NoError(t, err)
	mid := MessageID{Origin: id, Counter: 42}
	assert.Equal(t, id.Short()+"/42", mid.String())
}
