/*
Package crdt implements the recursive, tombstone-aware value tree that
every subtree payload serializes to and from.

A Value is a tagged union: Null, Bool, Int, Text, Map, List, or Deleted (the
tombstone leaf itself). Map and List are themselves tombstone-capable
containers of Values, so deletion at any depth is representable without
mutating history — only Merge ever resolves a deletion against a concurrent
write.

Convergence does not come from commutativity: Merge is last-writer-wins on
scalar collisions, which is order-dependent. It comes from every replica
folding Merge over the *same* set of entries in the same deterministic
(height, ID) order (see package storage). Given that, P4 (associativity +
idempotency) holds and all replicas land on the same Value.

List order is carried by Position, a dense rational key with a uid
tie-break, so concurrent inserts at the same logical slot never collide.
*/
package crdt
