package userflow

import (
	"testing"
	"time"

	"github.com/ManuGH/xg2g/internal/cache"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreMirrorsActiveSessionToCache(t *testing.T) {
	mirror := cache.NewMemoryCache(0)
	store := newSessionStore(nil, mirror)

	sess, cancelled := store.open("kiosk-1", "card-1", []int{1, 2}, 20*time.Second)
	require.Nil(t, cancelled)

	v, ok := mirror.Get(sessionCacheKey("kiosk-1"))
	require.True(t, ok)
	mirrored, ok := v.(model.Session)
	require.True(t, ok)
	require.Equal(t, sess.ID, mirrored.ID)

	store.complete("kiosk-1", "card-1")
	_, ok = mirror.Get(sessionCacheKey("kiosk-1"))
	require.False(t, ok)
}
