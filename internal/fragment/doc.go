// Package fragment implements the per-row lifecycle state machine used by
// the session cache.
//
// A Fragment wraps one row.Row together with a snapshot of its values at
// the last flush (the baseline). Dirty keys are the keys whose value differs
// from the baseline. The state says which of the owning context's two maps
// the fragment lives in:
//
//	pristine map: Absent, Pristine, InvalidatedModified, InvalidatedDeleted
//	modified map: Created, Modified, Deleted, DeletedDependent
//
// Transitions are pure functions on State returning the next state or an
// errs.StateError. Fragment methods apply them and keep the row, baseline
// and owner consistent. A fragment refers to its owner by ContextID only;
// Detached is the only state with a zero owner.
package fragment
