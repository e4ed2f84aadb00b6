package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockerHasOwner(t *testing.T) {
	free := Locker{Status: StatusFree, OwnerType: OwnerNone}
	assert.False(t, free.HasOwner())

	owned := Locker{Status: StatusOwned, OwnerType: OwnerRFID, OwnerKey: "card-1"}
	assert.True(t, owned.HasOwner())

	halfset := Locker{Status: StatusOwned, OwnerType: OwnerRFID, OwnerKey: ""}
	assert.False(t, halfset.HasOwner())
}

func TestLockerAvailableForAssignment(t *testing.T) {
	assert.True(t, Locker{Status: StatusFree, IsVIP: false}.AvailableForAssignment())
	assert.False(t, Locker{Status: StatusFree, IsVIP: true}.AvailableForAssignment())
	assert.False(t, Locker{Status: StatusOwned, IsVIP: false}.AvailableForAssignment())
}

func TestCommandTerminal(t *testing.T) {
	assert.True(t, Command{Status: CommandCompleted}.Terminal())
	assert.True(t, Command{Status: CommandFailed}.Terminal())
	assert.True(t, Command{Status: CommandCancelled}.Terminal())
	assert.False(t, Command{Status: CommandPending}.Terminal())
	assert.False(t, Command{Status: CommandExecuting}.Terminal())
}

func TestHeartbeatStale(t *testing.T) {
	now := time.Now()
	fresh := Heartbeat{LastSeen: now.Add(-10 * time.Second)}
	assert.False(t, fresh.Stale(90*time.Second, now))

	stale := Heartbeat{LastSeen: now.Add(-100 * time.Second)}
	assert.True(t, stale.Stale(90*time.Second, now))
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	active := Session{Status: SessionActive, CreatedAt: now.Add(-10 * time.Second), TimeoutSeconds: 25}
	assert.False(t, active.Expired(now))

	timedOut := Session{Status: SessionActive, CreatedAt: now.Add(-30 * time.Second), TimeoutSeconds: 25}
	assert.True(t, timedOut.Expired(now))

	completed := Session{Status: SessionCompleted, CreatedAt: now.Add(-1000 * time.Second), TimeoutSeconds: 25}
	assert.False(t, completed.Expired(now))
}
