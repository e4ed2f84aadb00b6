package lifecycle

import (
	"testing"

	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/stretchr/testify/assert"
)

func TestAssignFreeToOwned(t *testing.T) {
	to, ok := Next(model.StatusFree, TriggerAssign)
	assert.True(t, ok)
	assert.Equal(t, model.StatusOwned, to)
}

func TestConfirmOpeningOwnedToOpening(t *testing.T) {
	to, ok := Next(model.StatusOwned, TriggerConfirmOpening)
	assert.True(t, ok)
	assert.Equal(t, model.StatusOpening, to)
}

func TestReleaseFromOwnedAndOpening(t *testing.T) {
	to, ok := Next(model.StatusOwned, TriggerRelease)
	assert.True(t, ok)
	assert.Equal(t, model.StatusFree, to)

	to, ok = Next(model.StatusOpening, TriggerRelease)
	assert.True(t, ok)
	assert.Equal(t, model.StatusFree, to)
}

func TestHardwareErrorOnlyFromOpening(t *testing.T) {
	assert.True(t, Allowed(model.StatusOpening, TriggerHardwareError))
	assert.False(t, Allowed(model.StatusOwned, TriggerHardwareError))
	assert.False(t, Allowed(model.StatusFree, TriggerHardwareError))
}

func TestRecoverOnlyFromError(t *testing.T) {
	to, ok := Next(model.StatusError, TriggerRecover)
	assert.True(t, ok)
	assert.Equal(t, model.StatusFree, to)
	assert.False(t, Allowed(model.StatusFree, TriggerRecover))
}

func TestInvalidTransitionsRejected(t *testing.T) {
	assert.False(t, Allowed(model.StatusFree, TriggerRelease))
	assert.False(t, Allowed(model.StatusBlocked, TriggerAssign))
	assert.False(t, Allowed(model.StatusError, TriggerAssign))
}

func TestForceTransitionNotInTable(t *testing.T) {
	for _, s := range AllStatuses() {
		assert.False(t, Allowed(s, TriggerForceTransition))
	}
}

func TestAllStatusesHaveAtLeastOneOutboundEdgeExceptTerminal(t *testing.T) {
	for _, s := range AllStatuses() {
		_, hasEdges := index[s]
		assert.True(t, hasEdges, "status %s should have at least one outbound edge", s)
	}
}
