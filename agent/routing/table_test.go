package routing

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable_LookupSetDelete(t *testing.T) {
	table, err := NewTable(map[string]string{"orders": "127.0.0.1:9001"})
	require.NoError(t, err)
	require.Zero(t, table.Version())

	addr, ok := table.Lookup("orders")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:9001", addr)

	_, ok = table.Lookup("users")
	require.False(t, ok)

	require.NoError(t, table.Set("users", "127.0.0.1:9002"))
	require.Equal(t, uint64(1), table.Version())
	require.NoError(t, table.Set("users", "127.0.0.1:9002"))
	require.Equal(t, uint64(1), table.Version(), "unchanged route does not bump the version")

	require.True(t, table.Delete("users"))
	require.False(t, table.Delete("users"))
	require.Equal(t, uint64(2), table.Version())

	routes, version := table.Snapshot()
	require.Equal(t, []Route{{Service: "orders", Address: "127.0.0.1:9001"}}, routes)
	require.Equal(t, uint64(2), version)
}

func TestTable_Validation(t *testing.T) {
	cases := map[string]map[string]string{
		"empty service": {"": "127.0.0.1:1"},
		"missing port":  {"svc": "127.0.0.1"},
	}
	for name, routes := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(routes)
			require.Error(t, err)

			table, err := NewTable(nil)
			require.NoError(t, err)
			require.Error(t, table.Replace(routes))
			for svc, addr := range routes {
				require.Error(t, table.Set(svc, addr))
			}
		})
	}
}

func TestTable_ResolveCaches(t *testing.T) {
	table, err := NewTable(map[string]string{"a": "db.internal:3306"})
	require.NoError(t, err)
	calls := 0
	table.resolve = func(addr string) (*net.TCPAddr, error) {
		calls++
		return &net.TCPAddr{IP: net.IPv4(10, 0, 0, byte(calls)), Port: 3306}, nil
	}

	first, err := table.Resolve("a")
	require.NoError(t, err)
	again, err := table.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, calls)

	// a route change invalidates the cached address
	require.NoError(t, table.Set("a", "db2.internal:3306"))
	_, err = table.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	require.NoError(t, table.Replace(map[string]string{"a": "db2.internal:3306"}))
	_, err = table.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	_, err = table.Resolve("missing")
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestTable_ResolveAddr(t *testing.T) {
	table, err := NewTable(map[string]string{"a": "db.internal:3306"})
	require.NoError(t, err)
	calls := 0
	table.resolve = func(addr string) (*net.TCPAddr, error) {
		calls++
		if addr == "broken.internal:1" {
			return nil, errors.New("no such host")
		}
		return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 3306}, nil
	}

	// the service and its address share one cache entry
	byAddr, err := table.ResolveAddr("db.internal:3306")
	require.NoError(t, err)
	byService, err := table.Resolve("a")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7:3306", byAddr.String())
	require.Equal(t, byAddr, byService)
	require.Equal(t, 1, calls)

	// failures are not cached
	_, err = table.ResolveAddr("broken.internal:1")
	require.Error(t, err)
	_, err = table.ResolveAddr("broken.internal:1")
	require.Error(t, err)
	require.Equal(t, 3, calls)

	require.True(t, table.Delete("a"))
	_, err = table.ResolveAddr("db.internal:3306")
	require.NoError(t, err)
	require.Equal(t, 4, calls)
}
