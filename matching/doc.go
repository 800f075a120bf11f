// Package matching implements the scope-partitioned waiting queue and the
// pairing algorithm that runs over it.
//
// Requests wait in partitions keyed by scope: "global", or "local:<COUNTRY>".
// Within a partition entries are ordered by enqueue time. That order only
// biases fairness toward the oldest waiter; it is not a FIFO guarantee once
// matches remove entries from the middle.
//
// # Concurrency
//
// No lock is held across a match attempt. The Engine takes a snapshot of the
// partition, walks it, and claims a candidate with Queue.Claim, an atomic
// remove-if-present. Two matchers racing for the same entry see exactly one
// success; the loser simply continues with the next candidate. Correctness
// rests on the claim, not on the scan.
//
// Implementations
//
//	memory : in-process queue for tests and single-node runs
//	redis  : sorted set per partition plus an id index, mutated by Lua scripts
package matching
