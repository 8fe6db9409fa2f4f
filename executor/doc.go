// Package executor applies a plan to an instance's state.
//
// Actions run in plan order. Tool invocations go through a core.ToolInvoker
// (normally the tool boundary), contiguous actions sharing a saga id are
// handed to the saga engine, and the successful result of an action is
// written to its output path. The cycle status follows the precedence
// FAILED > PARTIAL > WAITING > SUCCESS:
//
//   - FAILED: a FAIL action, a skipped dependent or a saga whose
//     compensation failed. The instance becomes terminal.
//   - PARTIAL: a required action failed or a saga was compensated.
//   - WAITING: the plan ended in a WAIT action.
//
// The executor is pure with respect to storage. It returns the next state
// (version + 1) and the caller commits it behind an optimistic version
// check.
package executor
