// Package planner turns an agent schema, the current state and a batch of new
// events into a Plan.
//
// Planning is a pure function: no IO, no clocks, no randomness, no mutation
// of its inputs. Equal inputs produce byte-identical plans, including plan and
// action ids, which is what lets the replay engine re-derive every plan of an
// instance from its event log.
//
// Rules map event schema names to ordered steps. Step inputs are JSON values
// in which strings may reference data:
//
//	$event.<path>            value at a gjson path of the event payload
//	$state[.<path>]          value at a gjson path of the state data as it
//	                         stands when the action runs
//	$steps.<step>[.<path>]   result of an earlier step of the same plan,
//	                         resolved by the executor
//	"... {{ .event.x }} ..." text/template rendered over {event, meta};
//	                         templates reading .state are rendered by the
//	                         executor
//
// State is never read at plan time, so a batch of events yields the same
// state as feeding them one by one.
//
// Generative planning is never performed here. Model calls run as MODEL
// tools through the tool boundary, where their results are recorded.
package planner
