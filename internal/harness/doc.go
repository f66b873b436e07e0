// Package harness runs YAML scenarios against repositories sharing one
// in-memory store.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	nodes: [a, b]
//	sessions:
//	  s1: a
//	  s2: b
//	setup:
//	  - id: d1
//	    values: { parentid: root, name: doc }
//	steps:
//	  - op: read
//	    session: s2
//	    id: d1
//	    key: name
//	    expect:
//	      result: doc
//	  - op: put
//	    session: s1
//	    id: d1
//	    values: { name: renamed }
//	  - op: save
//	    session: s1
//	assertions:
//	  - type: trace_contains
//	    op: save
//	    session: s1
//	  - type: final_state
//	    id: d1
//	    expect: { name: renamed }
//
// Each node is a full repository. With more than one node the
// repositories exchange invalidations through an in-process hub, and the
// harness waits after every step until the step's invalidations reached
// every node, so traces are deterministic.
//
// Session ops: create, put, add, read, remove, children, save, clear,
// close. Lock ops (on the node of the session, or the named node): lock,
// get_lock, unlock.
//
// # Golden Files
//
// The trace of a scenario serializes to canonical JSON and can be compared
// against testdata/golden/<name>.golden with RunWithGolden.
package harness
