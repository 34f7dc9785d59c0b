package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadersOrderAndReplace(t *testing.T) {
	h := NewHeaders()
	h.Set("Host", "example.com")
	h.Set("Accept", "*/*")
	h.Set("host", "other.com")

	require.Equal(t, 2, h.Len())
	require.Equal(t, []string{"Host: other.com", "Accept: */*"}, h.Lines())

	v, ok := h.Get("HOST")
	require.True(t, ok)
	require.Equal(t, "other.com", v)
}

func TestHeadersRemovalMarker(t *testing.T) {
	h := NewHeaders()
	h.Set("Expect", "")
	require.Equal(t, []string{"Expect:"}, h.Lines())

	h.Del("expect")
	require.Equal(t, 0, h.Len())
	_, ok := h.Get("Expect")
	require.False(t, ok)
}

func TestHeadersMergeAndClone(t *testing.T) {
	a := NewHeaders()
	a.Set("A", "1")
	a.Set("B", "2")

	b := NewHeaders()
	b.Set("b", "3")
	b.Set("C", "4")

	a.Merge(b)
	require.Equal(t, []string{"A: 1", "B: 3", "C: 4"}, a.Lines())

	c := a.Clone()
	c.Set("A", "changed")
	v, _ := a.Get("A")
	require.Equal(t, "1", v)
}

func TestHeadersNilSafe(t *testing.T) {
	var h *Headers
	require.Equal(t, 0, h.Len())
	require.Nil(t, h.Lines())
	require.Nil(t, h.Clone())
	h.Each(func(string, string) { t.Fatal("unexpected entry") })
}
