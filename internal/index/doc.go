// Package index implements the small segmented document index the branch
// store is built on.
//
// Layout of one directory:
//
//	_<n>.seg          immutable segment: the documents flushed by one commit
//	_<n>_<g>.del      deletions of segment _<n> at deletion generation g
//	segments_<gen>    commit point: segment list, segment counter, tag map
//
// Write path: Writer → memtable (skip list keyed by add sequence) → Commit
// flushes a segment, writes new deletion files and publishes segments_<gen>.
// Nothing is written between commits, so a rollback only drops memory.
//
// Read path: ReaderManager → Reader (segments and live docs of one commit) →
// Search, Collect, Group, Count, Lookup.
//
// Retention: after every commit the writer hands all known commits to its
// DeletionPolicy and removes the files no surviving commit references.
// SnapshotPolicy pins commits against that deletion.
package index
