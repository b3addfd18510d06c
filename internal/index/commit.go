package index

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matteso1/revindex/internal/storage"
)

const (
	commitPrefix  = "segments_"
	commitMagic   = 0x52455643 // "REVC"
	commitVersion = 1
)

func commitFileName(gen int64) string {
	return commitPrefix + strconv.FormatInt(gen, 36)
}

func parseCommitGeneration(fileName string) (int64, bool) {
	if !strings.HasPrefix(fileName, commitPrefix) {
		return 0, false
	}
	gen, err := strconv.ParseInt(strings.TrimPrefix(fileName, commitPrefix), 36, 64)
	if err != nil || gen <= 0 {
		return 0, false
	}
	return gen, true
}

// SegmentInfo describes one segment as referenced by a commit.
type SegmentInfo struct {
	Name     string
	DocCount int
	DelGen   int64
	DelCount int
}

// Files returns the file names this segment contributes to a commit.
func (s SegmentInfo) Files() []string {
	files := []string{segmentFileName(s.Name)}
	if s.DelGen > 0 {
		files = append(files, deletesFileName(s.Name, s.DelGen))
	}
	return files
}

// IndexCommit is the view of a commit handed to deletion policies.
type IndexCommit interface {
	Generation() int64
	SegmentsFileName() string
	FileNames() []string
	UserData() map[string]string
	// Delete marks the commit for removal once the policy returns.
	Delete()
	IsDeleted() bool
}

// CommitPoint is an immutable, atomically published point in a directory's
// history: the segments it references, the segment counter and the tag map
// stored with it.
type CommitPoint struct {
	id         ulid.ULID
	generation int64
	counter    int64
	segments   []SegmentInfo
	userData   map[string]string
	deleted    bool
}

func (c *CommitPoint) ID() ulid.ULID            { return c.id }
func (c *CommitPoint) Generation() int64        { return c.generation }
func (c *CommitPoint) SegmentsFileName() string { return commitFileName(c.generation) }

// SegmentCounter is the next unused segment number at the time of the commit.
func (c *CommitPoint) SegmentCounter() int64 { return c.counter }

// Segments returns a copy of the segment list.
func (c *CommitPoint) Segments() []SegmentInfo {
	return slices.Clone(c.segments)
}

// FileNames returns every file the commit references, including its own
// commit file, sorted.
func (c *CommitPoint) FileNames() []string {
	files := []string{c.SegmentsFileName()}
	for _, s := range c.segments {
		files = append(files, s.Files()...)
	}
	slices.Sort(files)
	return files
}

// UserData returns a copy of the commit's tag map. It is never nil.
func (c *CommitPoint) UserData() map[string]string {
	if c.userData == nil {
		return map[string]string{}
	}
	return maps.Clone(c.userData)
}

// NumDocs returns the number of live documents in the commit.
func (c *CommitPoint) NumDocs() int {
	n := 0
	for _, s := range c.segments {
		n += s.DocCount - s.DelCount
	}
	return n
}

func (c *CommitPoint) Delete()         { c.deleted = true }
func (c *CommitPoint) IsDeleted() bool { return c.deleted }

func (c *CommitPoint) String() string {
	return fmt.Sprintf("%s(%d segments, %v)", c.SegmentsFileName(), len(c.segments), c.userData)
}

// Wire layout of the commit body.
const (
	commitIDNum       protowire.Number = 1
	commitGenNum      protowire.Number = 2
	commitCounterNum  protowire.Number = 3
	commitSegmentNum  protowire.Number = 4
	commitUserDataNum protowire.Number = 5

	segNameNum     protowire.Number = 1
	segDocCountNum protowire.Number = 2
	segDelGenNum   protowire.Number = 3
	segDelCountNum protowire.Number = 4

	kvKeyNum   protowire.Number = 1
	kvValueNum protowire.Number = 2
)

func encodeCommit(c *CommitPoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, commitIDNum, protowire.BytesType)
	b = protowire.AppendBytes(b, c.id[:])
	b = protowire.AppendTag(b, commitGenNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.generation))
	b = protowire.AppendTag(b, commitCounterNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.counter))

	for _, s := range c.segments {
		var m []byte
		m = protowire.AppendTag(m, segNameNum, protowire.BytesType)
		m = protowire.AppendString(m, s.Name)
		m = protowire.AppendTag(m, segDocCountNum, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(s.DocCount))
		m = protowire.AppendTag(m, segDelGenNum, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(s.DelGen))
		m = protowire.AppendTag(m, segDelCountNum, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(s.DelCount))
		b = protowire.AppendTag(b, commitSegmentNum, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, k := range slices.Sorted(maps.Keys(c.userData)) {
		var m []byte
		m = protowire.AppendTag(m, kvKeyNum, protowire.BytesType)
		m = protowire.AppendString(m, k)
		m = protowire.AppendTag(m, kvValueNum, protowire.BytesType)
		m = protowire.AppendString(m, c.userData[k])
		b = protowire.AppendTag(b, commitUserDataNum, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// fieldFunc is invoked for every field of a protowire message. Exactly one of
// v (varint fields) or raw (bytes fields) is meaningful.
type fieldFunc func(num protowire.Number, v uint64, raw []byte) error

func walkMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return storage.ErrCorruptCommit
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return storage.ErrCorruptCommit
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return storage.ErrCorruptCommit
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return storage.ErrCorruptCommit
			}
			b = b[n:]
		}
	}
	return nil
}

func decodeCommit(b []byte) (*CommitPoint, error) {
	c := &CommitPoint{userData: map[string]string{}}
	err := walkMessage(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case commitIDNum:
			if len(raw) != len(c.id) {
				return storage.ErrCorruptCommit
			}
			copy(c.id[:], raw)
		case commitGenNum:
			c.generation = int64(v)
		case commitCounterNum:
			c.counter = int64(v)
		case commitSegmentNum:
			var s SegmentInfo
			err := walkMessage(raw, func(num protowire.Number, v uint64, raw []byte) error {
				switch num {
				case segNameNum:
					s.Name = string(raw)
				case segDocCountNum:
					s.DocCount = int(v)
				case segDelGenNum:
					s.DelGen = int64(v)
				case segDelCountNum:
					s.DelCount = int(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.segments = append(c.segments, s)
		case commitUserDataNum:
			var k, val string
			err := walkMessage(raw, func(num protowire.Number, _ uint64, raw []byte) error {
				switch num {
				case kvKeyNum:
					k = string(raw)
				case kvValueNum:
					val = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.userData[k] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func commitHeader() []byte {
	var h []byte
	h = protowire.AppendVarint(h, commitMagic)
	h = protowire.AppendVarint(h, commitVersion)
	return h
}

// writeCommit publishes c as segments_<gen>. Publishing the file is the
// commit: before it exists none of the new segment files are referenced.
func writeCommit(dir storage.Directory, c *CommitPoint) error {
	out, err := dir.CreateOutput(c.SegmentsFileName())
	if err != nil {
		return err
	}
	rw := storage.NewRecordWriter(out)
	for _, rec := range [][]byte{commitHeader(), encodeCommit(c)} {
		if err := rw.Append(rec); err != nil {
			out.Close()
			return err
		}
	}
	if err := rw.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadCommit loads the commit stored in fileName.
func ReadCommit(dir storage.Directory, fileName string) (*CommitPoint, error) {
	gen, ok := parseCommitGeneration(fileName)
	if !ok {
		return nil, fmt.Errorf("%w: bad commit file name %q", storage.ErrCorruptCommit, fileName)
	}
	data, err := dir.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	records, err := storage.ReadRecords(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(records) != 2 || !bytes.Equal(records[0], commitHeader()) {
		return nil, storage.ErrCorruptCommit
	}
	c, err := decodeCommit(records[1])
	if err != nil {
		return nil, err
	}
	if c.generation != gen {
		return nil, storage.ErrCorruptCommit
	}
	return c, nil
}

// ListCommits returns every commit visible in dir, oldest first. A directory
// without commits yields an empty list. A commit deleted by a concurrent
// writer between listing and reading is left out.
func ListCommits(dir storage.Directory) ([]*CommitPoint, error) {
	names, err := dir.ListAll()
	if err != nil {
		return nil, err
	}
	var commits []*CommitPoint
	for _, name := range names {
		if _, ok := parseCommitGeneration(name); !ok {
			continue
		}
		c, err := ReadCommit(dir, name)
		if errors.Is(err, storage.ErrFileNotFound) {
			glog.V(2).Infof("[commit] %s: %s vanished while listing", dir.Location(), name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		commits = append(commits, c)
	}
	slices.SortFunc(commits, func(a, b *CommitPoint) int {
		return cmp.Compare(a.generation, b.generation)
	})
	return commits, nil
}

// LatestCommit returns the newest commit in dir, or nil if there is none.
func LatestCommit(dir storage.Directory) (*CommitPoint, error) {
	commits, err := ListCommits(dir)
	if err != nil || len(commits) == 0 {
		return nil, err
	}
	return commits[len(commits)-1], nil
}

// IndexExists reports whether dir holds at least one commit.
func IndexExists(dir storage.Directory) (bool, error) {
	names, err := dir.ListAll()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if _, ok := parseCommitGeneration(name); ok {
			return true, nil
		}
	}
	return false, nil
}
