// Package kvstest provides a Store backed by an in-process Redis for tests.
package kvstest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-chat-realtime/internal/kvs"
)

// New starts a miniredis server that lives for the duration of the test.
func New(t testing.TB) (*kvs.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return Connect(t, mr), mr
}

// Connect returns an independent Store on an existing server, the way a second
// process instance would see the same cluster.
func Connect(t testing.TB, mr *miniredis.Miniredis) *kvs.Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kvs.New(rdb, zap.NewNop())
}
