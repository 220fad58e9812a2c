// Package bytecodefile reads and writes the ETCH on-disk bytecode
// format: a little-endian, version-checked container for the constant
// pool, instruction stream, function table, CFFI metadata, and variable
// lifetime data of one compiled program.
package bytecodefile

import (
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/mod/semver"

	"etch/internal/etcherr"
)

// Magic opens every bytecode file.
const Magic = "ETCH"

// VM type tags. The register VM rejects stack bytecode outright.
const (
	VMTypeStack    byte = 0
	VMTypeRegister byte = 1
)

// BytecodeVersion is bumped on any incompatible change to the encoding
// below. Files with any other version are rejected.
const BytecodeVersion uint32 = 4

// Value kind tags in the serialized constant pool.
const (
	tagInt byte = iota
	tagFloat
	tagBool
	tagChar
	tagNil
	tagString
	tagArray
	tagTable
	tagSome
	tagNone
	tagOk
	tagErr
)

// Load failure classes, each a distinct error the embedder can match.
var (
	ErrBadMagic     = etcherr.NewLoadError("not an ETCH bytecode file (bad magic)")
	ErrWrongVMType  = etcherr.NewLoadError("bytecode was compiled for the stack VM")
	ErrWrongVersion = etcherr.NewLoadError("bytecode version mismatch")
	ErrTruncated    = etcherr.NewLoadError("bytecode file is truncated")
)

// HashSource computes the header's source_hash field.
func HashSource(source []byte) [32]byte {
	return blake2b.Sum256(source)
}

// CompatibleCompiler reports whether the recorded compiler version and
// the running one agree on major version. Both are plain "1.2.3"
// strings in the header; semver comparison wants the "v" prefix.
func CompatibleCompiler(recorded, current string) bool {
	rv, cv := "v"+recorded, "v"+current
	if !semver.IsValid(rv) || !semver.IsValid(cv) {
		return false
	}
	return semver.Major(rv) == semver.Major(cv)
}

// pad32 fits s into the fixed 32-byte, zero-padded header fields.
func pad32(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)
	return out
}

func unpad32(b [32]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}
