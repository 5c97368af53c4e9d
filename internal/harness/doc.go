// Package harness runs declarative YAML scenarios against an aggregate
// facade and checks the results, optionally against golden snapshots.
//
// A scenario describes batches of events to append, an optional final
// recalculation, and assertions over the committed state, sequence, and
// outbound emissions. Scenarios are the conformance layer for facet
// behavior: the same file exercises the full read-reduce-commit path a
// production caller takes.
package harness
