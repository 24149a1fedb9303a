// Package fsm implements the connection state machines used by communic8.
//
// A machine is declared as a table of transitions, each an (event, source
// states, destination) triple. The source may be Wildcard to match any
// state, which is how disconnect is made legal everywhere.
//
// # Hooks
//
// Hooks are explicit tables filled in at construction:
//
//   - Before[event] runs first and may veto with Event.Cancel.
//   - Leave[state] runs as the state is exited and may also veto. For events
//     listed in Config.Async the state does not change when the hook returns;
//     the owner later calls Transition to commit or Cancel to abort.
//   - Enter[state] runs after the state changed.
//   - After[event] runs last, including for self transitions, which skip the
//     leave and enter hooks.
//
// Firing an event with no transition from the current state returns an
// *InvalidTransitionError and changes nothing:
//
//	err := m.Fire("list_users")
//	if errors.Is(err, fsm.ErrInvalidTransition) {
//	    // answer INVALID_COMMAND_FOR_STATE
//	}
//
// While an asynchronous transition is pending, every Fire fails with
// ErrInTransition until Transition or Cancel resolves it.
package fsm
