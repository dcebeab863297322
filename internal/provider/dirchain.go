package provider

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"sharefs/internal/common"
)

// DefaultDirBufferSize is the byte budget of one directory buffer.
const DefaultDirBufferSize = 8192

// Each packed entry is a fixed stat record followed by a variable dirent
// record, padded to 8 bytes:
//
//	mode u32 | size i64 | alloc i64 | atime i64 | mtime i64 | ctime i64
//	reclen u16 | type u8 | namelen u16 | name | pad
const (
	statRecordSize   = 4 + 5*8
	direntHeaderSize = 2 + 1 + 2
	entryAlign       = 8
)

// Dirent type codes, matching the BSD DT_* values.
const (
	DTUnknown = 0
	DTDir     = 4
	DTReg     = 8
	DTLink    = 10
)

var ErrEntryTooLarge = errors.New("directory entry exceeds buffer size")

// DirChain is one complete directory enumeration, packed into an ordered
// sequence of fixed-capacity buffers. Positions within the chain are byte
// offsets into the concatenation of all buffers.
type DirChain struct {
	Buffers [][]byte `json:"buffers"`
}

// DirEntry is one decoded entry of a DirChain.
type DirEntry struct {
	Name string
	Type uint8
	Stat Stat
	// Offset is the position of this entry; Next the position after it.
	Offset int64
	Next   int64
}

// EntrySize returns the packed size of an entry named name.
func EntrySize(name string) int {
	return statRecordSize + recLen(len(name))
}

func recLen(nameLen int) int {
	n := direntHeaderSize + nameLen
	return (n + entryAlign - 1) &^ (entryAlign - 1)
}

// DirTypeOf maps a stat mode to a dirent type code.
func DirTypeOf(mode uint32) uint8 {
	switch mode & ModeTypeMask {
	case ModeDir:
		return DTDir
	case ModeRegular:
		return DTReg
	case ModeSymlink:
		return DTLink
	default:
		return DTUnknown
	}
}

// DirChainBuilder packs entries into buffers of a fixed capacity.
type DirChainBuilder struct {
	bufSize int
	chain   DirChain
}

// NewDirChainBuilder returns a builder whose buffers hold at most bufSize
// bytes. A non-positive size selects DefaultDirBufferSize.
func NewDirChainBuilder(bufSize int) *DirChainBuilder {
	if bufSize <= 0 {
		bufSize = DefaultDirBufferSize
	}
	return &DirChainBuilder{bufSize: bufSize}
}

// Add appends an entry, starting a new buffer when the current one cannot
// hold it.
func (b *DirChainBuilder) Add(name string, st Stat) error {
	size := EntrySize(name)
	if size > b.bufSize || len(name) > 0xffff {
		return fmt.Errorf("%w: %q needs %d bytes", ErrEntryTooLarge, name, size)
	}
	n := len(b.chain.Buffers)
	if n == 0 || len(b.chain.Buffers[n-1])+size > b.bufSize {
		b.chain.Buffers = append(b.chain.Buffers, make([]byte, 0, b.bufSize))
		n++
	}
	b.chain.Buffers[n-1] = appendEntry(b.chain.Buffers[n-1], name, st)
	return nil
}

// Chain returns the packed enumeration. The builder must not be reused.
func (b *DirChainBuilder) Chain() *DirChain {
	return &b.chain
}

func appendEntry(buf []byte, name string, st Stat) []byte {
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, st.Mode)
	buf = le.AppendUint64(buf, uint64(st.Size))
	buf = le.AppendUint64(buf, uint64(st.Alloc))
	buf = le.AppendUint64(buf, uint64(unixNano(st.Atime)))
	buf = le.AppendUint64(buf, uint64(unixNano(st.Mtime)))
	buf = le.AppendUint64(buf, uint64(unixNano(st.Ctime)))

	rl := recLen(len(name))
	buf = le.AppendUint16(buf, uint16(rl))
	buf = append(buf, DirTypeOf(st.Mode))
	buf = le.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	for pad := rl - direntHeaderSize - len(name); pad > 0; pad-- {
		buf = append(buf, 0)
	}
	return buf
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// decodeEntry reads the entry starting at buf[0]. It returns the entry size.
func decodeEntry(buf []byte) (DirEntry, int, error) {
	if len(buf) < statRecordSize+direntHeaderSize {
		return DirEntry{}, 0, fmt.Errorf("truncated directory entry")
	}
	le := binary.LittleEndian
	var e DirEntry
	e.Stat.Mode = le.Uint32(buf[0:])
	e.Stat.Size = int64(le.Uint64(buf[4:]))
	e.Stat.Alloc = int64(le.Uint64(buf[12:]))
	e.Stat.Atime = fromUnixNano(int64(le.Uint64(buf[20:])))
	e.Stat.Mtime = fromUnixNano(int64(le.Uint64(buf[28:])))
	e.Stat.Ctime = fromUnixNano(int64(le.Uint64(buf[36:])))

	rec := buf[statRecordSize:]
	rl := int(le.Uint16(rec[0:]))
	e.Type = rec[2]
	nl := int(le.Uint16(rec[3:]))
	if rl < direntHeaderSize+nl || len(rec) < rl {
		return DirEntry{}, 0, fmt.Errorf("corrupt directory entry")
	}
	e.Name = string(rec[direntHeaderSize : direntHeaderSize+nl])
	return e, statRecordSize + rl, nil
}

// Size returns the total number of packed bytes in the chain.
func (c *DirChain) Size() int64 {
	var n int64
	for _, b := range c.Buffers {
		n += int64(len(b))
	}
	return n
}

// Len counts the entries in the chain.
func (c *DirChain) Len() int {
	n := 0
	_ = c.Walk(0, func(DirEntry) bool { n++; return true })
	return n
}

// Walk calls fn for every entry at or after off, in order, until fn
// returns false. off must be the start of an entry or the end of the
// chain; an offset that falls strictly inside an entry yields
// common.ErrInvalidOffset.
func (c *DirChain) Walk(off int64, fn func(DirEntry) bool) error {
	if off < 0 {
		return common.ErrInvalidOffset
	}
	var base int64
	for _, buf := range c.Buffers {
		end := base + int64(len(buf))
		if off >= end {
			base = end
			continue
		}
		pos := 0
		for pos < len(buf) {
			e, size, err := decodeEntry(buf[pos:])
			if err != nil {
				return err
			}
			at := base + int64(pos)
			switch {
			case at+int64(size) <= off:
				// before the resume point
			case at < off:
				return fmt.Errorf("%w: %d falls inside entry at %d", common.ErrInvalidOffset, off, at)
			default:
				e.Offset = at
				e.Next = at + int64(size)
				if !fn(e) {
					return nil
				}
			}
			pos += size
		}
		base = end
	}
	if off > base {
		return fmt.Errorf("%w: %d beyond end %d", common.ErrInvalidOffset, off, base)
	}
	return nil
}

// ReadAt returns up to max entries starting at off (all remaining when max
// is not positive) and the offset to resume from.
func (c *DirChain) ReadAt(off int64, max int) ([]DirEntry, int64, error) {
	var out []DirEntry
	next := off
	err := c.Walk(off, func(e DirEntry) bool {
		out = append(out, e)
		next = e.Next
		return max <= 0 || len(out) < max
	})
	if err != nil {
		return nil, off, err
	}
	return out, next, nil
}
