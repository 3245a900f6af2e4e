package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersPreserveOrderAndCasing(t *testing.T) {
	h := NewHeaders()
	h.Add("X-First", "1")
	h.Add("x-second", "2")
	h.Add("X-First", "3")

	var names []string
	var values []string
	h.Range(func(name, value string) bool {
		names = append(names, name)
		values = append(values, value)
		return true
	})

	assert.Equal(t, []string{"X-First", "x-second", "X-First"}, names)
	assert.Equal(t, []string{"1", "2", "3"}, values)
}

func TestHeadersCaseInsensitiveLookup(t *testing.T) {
	h := NewHeaders()
	h.Add("Content-Type", "text/plain")

	assert.Equal(t, "text/plain", h.Get("content-type"))
	assert.Equal(t, "text/plain", h.Get("CONTENT-TYPE"))
	assert.True(t, h.Has("cOnTeNt-TyPe"))
	assert.Equal(t, "", h.Get("Content-Length"))
}

func TestHeadersValuesOrder(t *testing.T) {
	h := NewHeaders()
	h.Add("Set-Cookie", "a=1")
	h.Add("Other", "x")
	h.Add("set-cookie", "b=2")

	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
}

func TestHeadersSetReplacesAllValues(t *testing.T) {
	h := NewHeaders()
	h.Add("Accept", "text/html")
	h.Add("accept", "application/json")
	h.Set("Accept", "*/*")

	assert.Equal(t, []string{"*/*"}, h.Values("Accept"))
	assert.Equal(t, 1, h.Len())
}

func TestHeadersDel(t *testing.T) {
	h := NewHeaders()
	h.Add("Authorization", "Bearer token")
	h.Add("Accept", "*/*")
	h.Del("authorization")

	assert.False(t, h.Has("Authorization"))
	assert.True(t, h.Has("Accept"))
}

func TestHeadersCloneIsDeep(t *testing.T) {
	h := NewHeaders()
	h.Add("A", "1")

	c := h.Clone()
	c.Add("B", "2")

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 2, c.Len())
}
