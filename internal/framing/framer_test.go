package framing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer_SplitsCRLF(t *testing.T) {
	f := New(0)
	records, err := f.Feed([]byte("hello\r\nworld\r\n"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hello", string(records[0]))
	assert.Equal(t, "world", string(records[1]))
}

func TestFramer_PartialRecordIsBuffered(t *testing.T) {
	f := New(0)
	records, err := f.Feed([]byte("hel"))
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = f.Feed([]byte("lo\r\n"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", string(records[0]))
}

func TestFramer_BareLFAccepted(t *testing.T) {
	f := New(0)
	records, err := f.Feed([]byte("hello\nworld\r\n"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hello", string(records[0]))
	assert.Equal(t, "world", string(records[1]))
}

func TestFramer_BareCRDoesNotTerminate(t *testing.T) {
	f := New(0)
	records, err := f.Feed([]byte("hel\rlo\r\n"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hel\rlo", string(records[0]))
}

func TestFramer_Oversize(t *testing.T) {
	f := New(8)
	_, err := f.Feed([]byte(strings.Repeat("a", 9)))
	require.ErrorIs(t, err, ErrOversize)
}

func TestFramer_FeedAcrossCalls(t *testing.T) {
	f := New(0)
	var all [][]byte
	for _, chunk := range []string{"a", "b", "c\r\n", "d\r", "\ne\r\n"} {
		records, err := f.Feed([]byte(chunk))
		require.NoError(t, err)
		all = append(all, records...)
	}
	require.Len(t, all, 3)
	assert.Equal(t, "abc", string(all[0]))
	assert.Equal(t, "d", string(all[1]))
	assert.Equal(t, "e", string(all[2]))
}

func TestEncode_AppendsCRLF(t *testing.T) {
	assert.Equal(t, []byte("hi\r\n"), Encode([]byte("hi")))
}
