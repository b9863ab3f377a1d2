package contenthash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("texture bytes"))
	b := Sum([]byte("texture bytes"))
	c := Sum([]byte("texture bytes!"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
}

func TestParseRoundTrip(t *testing.T) {
	h := Sum([]byte("material"))

	parsed, err := Parse(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.Len(t, h.String(), 32)

	_, err = Parse("abc")
	assert.Error(t, err)
	_, err = Parse(strings.Repeat("zz", 16))
	assert.Error(t, err)
}

func TestHashFileMatchesSum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefab.asset")
	data := []byte("prefab contents")
	require.NoError(t, os.WriteFile(path, data, 0644))

	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, Sum(data), h)
	assert.True(t, Verify(data, h))

	_, err = HashFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestCombineOrderSensitive(t *testing.T) {
	a := Sum([]byte("a"))
	b := Sum([]byte("b"))
	assert.NotEqual(t, Combine(a, b), Combine(b, a))
	assert.Equal(t, Combine(a, b), Combine(a, b))
}

func TestTextMarshaling(t *testing.T) {
	h := Sum([]byte("scene"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var out Hash128
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, h, out)

	require.NoError(t, out.UnmarshalText(nil))
	assert.True(t, out.IsZero())
}
