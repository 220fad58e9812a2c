package replay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"etch/internal/etcherr"
	"etch/internal/value"
	"etch/internal/vm"
)

// ReplayMagic opens every replay session file.
const ReplayMagic = "ETCH_REPLAY"

// ReplayVersion gates the snapshot encoding below.
const ReplayVersion uint32 = 2

// Session is the deserialized form of a replay file: enough to drive
// the inspector without the live VM that produced it.
type Session struct {
	SourceFile      string
	TotalStatements int
	Interval        int
	Duration        time.Duration
	Snapshots       []*Snapshot
}

// WriteSession persists the recorder's snapshot stream. Registers are
// simplified to the primitive variants: composite values are flattened
// to their display strings, which is what the offline inspector shows
// anyway.
func (r *Recorder) WriteSession(w io.Writer, sourceFile string) error {
	bw := bufio.NewWriter(w)
	sw := &sessionWriter{w: bw}

	sw.bytes([]byte(ReplayMagic))
	sw.u32(ReplayVersion)
	sw.str(sourceFile)
	sw.u32(uint32(r.totalStmts))
	sw.u32(uint32(r.interval))
	sw.u64(uint64(r.Duration().Nanoseconds()))

	sw.u32(uint32(len(r.snapshots)))
	for _, snap := range r.snapshots {
		sw.snapshot(snap)
	}
	if sw.err != nil {
		return fmt.Errorf("replay: write session: %w", sw.err)
	}
	return bw.Flush()
}

// WriteSessionFile persists the session to path.
func (r *Recorder) WriteSessionFile(path, sourceFile string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.WriteSession(f, sourceFile)
}

// ReadSession loads a persisted replay session.
func ReadSession(rd io.Reader) (*Session, error) {
	sr := &sessionReader{r: bufio.NewReader(rd)}

	magic := sr.take(len(ReplayMagic))
	if sr.err != nil || string(magic) != ReplayMagic {
		return nil, etcherr.NewLoadError("not an ETCH replay file")
	}
	if ver := sr.u32(); sr.err == nil && ver != ReplayVersion {
		return nil, etcherr.NewLoadError("replay version mismatch: file has %d, want %d",
			ver, ReplayVersion)
	}

	s := &Session{
		SourceFile:      sr.str(),
		TotalStatements: int(sr.u32()),
		Interval:        int(sr.u32()),
		Duration:        time.Duration(sr.u64()),
	}
	count := sr.u32()
	for i := uint32(0); i < count && sr.err == nil; i++ {
		s.Snapshots = append(s.Snapshots, sr.snapshot())
	}
	if sr.err != nil {
		return nil, etcherr.NewLoadError("read replay session: %v", sr.err)
	}
	return s, nil
}

// Snapshot value tags. Composite runtime values degrade to their
// display strings on disk.
const (
	snapNil byte = iota
	snapBool
	snapInt
	snapFloat
	snapChar
	snapString
	snapDisplay
)

type sessionWriter struct {
	w   io.Writer
	err error
}

func (sw *sessionWriter) bytes(b []byte) {
	if sw.err != nil {
		return
	}
	_, sw.err = sw.w.Write(b)
}

func (sw *sessionWriter) u8(v byte) { sw.bytes([]byte{v}) }
func (sw *sessionWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	sw.bytes(b[:])
}
func (sw *sessionWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	sw.bytes(b[:])
}
func (sw *sessionWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	sw.bytes(b[:])
}

func (sw *sessionWriter) str(s string) {
	sw.u32(uint32(len(s)))
	sw.bytes([]byte(s))
}

func (sw *sessionWriter) value(v value.Value) {
	switch v.Kind() {
	case value.KindNil:
		sw.u8(snapNil)
	case value.KindBool:
		sw.u8(snapBool)
		if v.AsBool() {
			sw.u8(1)
		} else {
			sw.u8(0)
		}
	case value.KindInt:
		sw.u8(snapInt)
		sw.u64(uint64(v.AsInt()))
	case value.KindFloat:
		sw.u8(snapFloat)
		sw.u64(math.Float64bits(v.AsFloat()))
	case value.KindChar:
		sw.u8(snapChar)
		sw.u8(v.AsChar())
	case value.KindString:
		sw.u8(snapString)
		sw.str(v.AsString())
	default:
		sw.u8(snapDisplay)
		sw.str(value.ToDisplayString(v))
	}
}

func (sw *sessionWriter) snapshot(snap *Snapshot) {
	sw.u32(uint32(snap.StmtIdx))
	sw.u64(uint64(snap.Timestamp.UnixNano()))
	sw.str(snap.File)
	sw.u32(uint32(snap.Line))
	sw.u32(uint32(snap.PC))

	sw.u32(uint32(len(snap.Frames)))
	for _, f := range snap.Frames {
		sw.str(f.Function)
		sw.u32(uint32(f.ReturnPC))
		sw.u32(uint32(f.ResultReg))
		sw.u32(uint32(f.ResultCount))
		// Only occupied registers are stored.
		occupied := make([]int, 0, 16)
		for i := range f.Registers {
			if !f.Registers[i].IsNil() {
				occupied = append(occupied, i)
			}
		}
		sw.u16(uint16(len(occupied)))
		for _, i := range occupied {
			sw.u16(uint16(i))
			sw.value(f.Registers[i])
		}
	}

	sw.u32(uint32(len(snap.Globals)))
	for _, name := range sortedKeys(snap.Globals) {
		sw.str(name)
		sw.value(snap.Globals[name])
	}

	sw.u64(uint64(snap.RNG.Seed))
	sw.u64(uint64(snap.RNG.Count))
}

type sessionReader struct {
	r   io.Reader
	err error
}

func (sr *sessionReader) take(n int) []byte {
	if sr.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(sr.r, b); err != nil {
		sr.err = err
		return make([]byte, n)
	}
	return b
}

func (sr *sessionReader) u8() byte    { return sr.take(1)[0] }
func (sr *sessionReader) u16() uint16 { return binary.LittleEndian.Uint16(sr.take(2)) }
func (sr *sessionReader) u32() uint32 { return binary.LittleEndian.Uint32(sr.take(4)) }
func (sr *sessionReader) u64() uint64 { return binary.LittleEndian.Uint64(sr.take(8)) }

func (sr *sessionReader) str() string {
	n := sr.u32()
	if sr.err != nil {
		return ""
	}
	return string(sr.take(int(n)))
}

func (sr *sessionReader) value() value.Value {
	switch sr.u8() {
	case snapNil:
		return value.Nil()
	case snapBool:
		return value.Bool(sr.u8() != 0)
	case snapInt:
		return value.Int(int64(sr.u64()))
	case snapFloat:
		return value.Float(math.Float64frombits(sr.u64()))
	case snapChar:
		return value.Char(sr.u8())
	case snapString:
		return value.Str(sr.str())
	case snapDisplay:
		return value.Str(sr.str())
	default:
		if sr.err == nil {
			sr.err = fmt.Errorf("unknown snapshot value tag")
		}
		return value.Nil()
	}
}

func (sr *sessionReader) snapshot() *Snapshot {
	snap := &Snapshot{
		StmtIdx:   int(sr.u32()),
		Timestamp: time.Unix(0, int64(sr.u64())),
		File:      sr.str(),
		Line:      int(sr.u32()),
		PC:        int(sr.u32()),
		Globals:   make(map[string]value.Value),
	}

	frameCount := sr.u32()
	for i := uint32(0); i < frameCount && sr.err == nil; i++ {
		f := &vm.Frame{
			Function:    sr.str(),
			ReturnPC:    int(sr.u32()),
			ResultReg:   int(sr.u32()),
			ResultCount: int(sr.u32()),
		}
		occupied := sr.u16()
		for j := uint16(0); j < occupied && sr.err == nil; j++ {
			idx := sr.u16()
			f.Registers[idx] = sr.value()
		}
		snap.Frames = append(snap.Frames, f)
	}

	globalCount := sr.u32()
	for i := uint32(0); i < globalCount && sr.err == nil; i++ {
		name := sr.str()
		snap.Globals[name] = sr.value()
	}

	snap.RNG = vm.RNGState{Seed: int64(sr.u64()), Count: int64(sr.u64())}
	return snap
}

func sortedKeys(m map[string]value.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
