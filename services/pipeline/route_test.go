package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable_ExactHostLongestPathWins(t *testing.T) {
	tbl := NewTable([]*RouteConfig{
		{Hostname: "api.example.com", Path: "/"},
		{Hostname: "api.example.com", Path: "/v1/users"},
		{Hostname: "api.example.com", Path: "/v1"},
	})

	r := tbl.Match("api.example.com", "/v1/users/42")
	require.NotNil(t, r)
	require.Equal(t, "/v1/users", r.Path)
}

func TestTable_WildcardFallback(t *testing.T) {
	tbl := NewTable([]*RouteConfig{
		{Hostname: "*.example.com", Path: "/"},
	})

	r := tbl.Match("anything.example.com", "/foo")
	require.NotNil(t, r)
	require.Equal(t, "*.example.com", r.Hostname)
}

func TestTable_ExactHostPreferredOverWildcard(t *testing.T) {
	tbl := NewTable([]*RouteConfig{
		{Hostname: "*.example.com", Path: "/"},
		{Hostname: "api.example.com", Path: "/"},
	})

	r := tbl.Match("api.example.com", "/foo")
	require.Equal(t, "api.example.com", r.Hostname)
}

func TestTable_NoMatchReturnsNil(t *testing.T) {
	tbl := NewTable([]*RouteConfig{{Hostname: "api.example.com", Path: "/"}})
	require.Nil(t, tbl.Match("other.example.com", "/foo"))
}

func TestTable_ReloadIsAtomic(t *testing.T) {
	tbl := NewTable([]*RouteConfig{{Hostname: "a.example.com", Path: "/"}})
	require.NotNil(t, tbl.Match("a.example.com", "/x"))

	tbl.Reload([]*RouteConfig{{Hostname: "b.example.com", Path: "/"}})
	require.Nil(t, tbl.Match("a.example.com", "/x"))
	require.NotNil(t, tbl.Match("b.example.com", "/x"))
}
