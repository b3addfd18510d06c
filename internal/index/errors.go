package index

import "errors"

// errMemTableFrozen is returned when buffering into a memtable that is being flushed.
var errMemTableFrozen = errors.New("memtable is frozen")
