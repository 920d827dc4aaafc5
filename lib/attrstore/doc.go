// Package attrstore defines the AttributeStore contract used by the recovery
// coordinator to persist facts across restarts, most importantly the name of
// the node that was last primary for a partition.
//
// Implementations:
//
//   - Transient Store (transient): an in-memory map. Nothing survives a
//     restart, so it is meant for tests and for deployments without per
//     instance persistency. Available in "github.com/ValentinKolb/dGrid/lib/attrstore/transient".
//
//   - File Store (filestore): a local key=value file in dotenv format. Every
//     read goes to the file and every write replaces the file atomically, so
//     several processes on one host can share it. Available in
//     "github.com/ValentinKolb/dGrid/lib/attrstore/filestore".
//
//   - Raft Store (raftstore): a map replicated by a Dragonboat RAFT shard. It
//     plays the role of a distributed coordination service and also exposes
//     the current shard leader as a primary locator. Available in
//     "github.com/ValentinKolb/dGrid/lib/attrstore/raftstore".
package attrstore
