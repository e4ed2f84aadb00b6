// Package lifecycle implements the locker state machine's transition table:
// the five statuses, the valid triggers between them, and the guard each
// trigger requires. It is a pure, stateless table — the actual state lives
// in locker rows guarded by optimistic versioning in the store, not in a
// runtime FSM instance. The Locker State Manager queries this table before
// issuing a CAS update.
package lifecycle

import "github.com/ManuGH/xg2g/internal/locker/model"

// Trigger is an event that may move a locker between statuses.
type Trigger string

const (
	TriggerAssign          Trigger = "assign"
	TriggerStaffBlock      Trigger = "staff_block"
	TriggerConfirmOpening  Trigger = "confirm_opening"
	TriggerRelease         Trigger = "release"
	TriggerAutoRelease     Trigger = "timeout"
	TriggerHardwareError   Trigger = "hardware_error"
	TriggerStaffUnblock    Trigger = "staff_unblock"
	TriggerRecover         Trigger = "recover"
	TriggerForceTransition Trigger = "force_transition"
)

// edge is one row of the transition table (§4.1).
type edge struct {
	from    model.Status
	trigger Trigger
	to      model.Status
}

var table = []edge{
	{model.StatusFree, TriggerAssign, model.StatusOwned},
	{model.StatusFree, TriggerStaffBlock, model.StatusBlocked},
	{model.StatusOwned, TriggerConfirmOpening, model.StatusOpening},
	{model.StatusOwned, TriggerRelease, model.StatusFree},
	{model.StatusOwned, TriggerAutoRelease, model.StatusFree},
	{model.StatusOwned, TriggerStaffBlock, model.StatusBlocked},
	{model.StatusOpening, TriggerRelease, model.StatusFree},
	{model.StatusOpening, TriggerHardwareError, model.StatusError},
	{model.StatusBlocked, TriggerStaffUnblock, model.StatusFree},
	{model.StatusError, TriggerRecover, model.StatusFree},
}

var index = buildIndex(table)

func buildIndex(edges []edge) map[model.Status]map[Trigger]model.Status {
	idx := make(map[model.Status]map[Trigger]model.Status, len(edges))
	for _, e := range edges {
		if idx[e.from] == nil {
			idx[e.from] = make(map[Trigger]model.Status)
		}
		idx[e.from][e.trigger] = e.to
	}
	return idx
}

// Next returns the target status for (from, trigger), and whether that
// transition exists in the table. TriggerForceTransition is never in the
// table — it bypasses guards entirely and is handled by the caller.
func Next(from model.Status, trigger Trigger) (model.Status, bool) {
	triggers, ok := index[from]
	if !ok {
		return "", false
	}
	to, ok := triggers[trigger]
	return to, ok
}

// Allowed reports whether trigger is a valid edge out of from.
func Allowed(from model.Status, trigger Trigger) bool {
	_, ok := Next(from, trigger)
	return ok
}

// AllStatuses lists every status in a stable order, useful for initialization
// and exhaustiveness tests.
func AllStatuses() []model.Status {
	return []model.Status{
		model.StatusFree,
		model.StatusOwned,
		model.StatusOpening,
		model.StatusBlocked,
		model.StatusError,
	}
}
