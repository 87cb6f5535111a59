package norfat

import "errors"

// fatResult is the internal result code threaded through every unexported
// method, mirroring the teacher's fileResult: a named integer implementing
// error, kept separate from the plain error values returned at the
// exported-API boundary.
type fatResult int

const (
	frOK fatResult = iota
	frIO
	frCRC
	frFull
	frCorrupt
	frEmpty
	frNotFound
	frInvalidName
	frInvalidMode
)

func (r fatResult) Error() string {
	switch r {
	case frOK:
		return "ok"
	case frIO:
		return "norfat: i/o error"
	case frCRC:
		return "norfat: table crc mismatch"
	case frFull:
		return "norfat: device full"
	case frCorrupt:
		return "norfat: corrupt chain"
	case frEmpty:
		return "norfat: device is blank"
	case frNotFound:
		return "norfat: file not found"
	case frInvalidName:
		return "norfat: invalid file name"
	case frInvalidMode:
		return "norfat: invalid open mode"
	default:
		return "norfat: unknown error"
	}
}

// Sentinel errors exported at the API boundary. Exported functions
// translate an internal fatResult into one of these so callers can use
// errors.Is without reaching into the unexported fatResult type.
var (
	ErrIO          = errors.New("norfat: i/o error")
	ErrCRC         = errors.New("norfat: table crc mismatch")
	ErrFull        = errors.New("norfat: device full")
	ErrCorrupt     = errors.New("norfat: corrupt chain")
	ErrEmpty       = errors.New("norfat: device is blank")
	ErrNotFound    = errors.New("norfat: file not found")
	ErrInvalidName = errors.New("norfat: invalid file name")
	ErrInvalidMode = errors.New("norfat: invalid open mode")
	ErrClosed      = errors.New("norfat: file handle invalid or closed")
)

func (r fatResult) toErr() error {
	switch r {
	case frOK:
		return nil
	case frIO:
		return ErrIO
	case frCRC:
		return ErrCRC
	case frFull:
		return ErrFull
	case frCorrupt:
		return ErrCorrupt
	case frEmpty:
		return ErrEmpty
	case frNotFound:
		return ErrNotFound
	case frInvalidName:
		return ErrInvalidName
	case frInvalidMode:
		return ErrInvalidMode
	default:
		return r
	}
}
