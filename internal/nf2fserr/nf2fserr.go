// Package nf2fserr defines the closed set of error codes NF2FS operations
// return, plus a typed Error that rides inside a normal Go error so callers
// can switch on the code.
package nf2fserr

import "github.com/pkg/errors"

// Code is a device, logical, or corruption error.
type Code int

const (
	_ Code = iota
	IO
	NOSPC
	NOMEM
	NODATA
	NOID
	NAMETOOLONG
	MUCHOPEN
	NOFATHER
	NOENT
	EXIST
	NOTDIR
	ISDIR
	NOTEMPTY
	BADF
	FBIG
	INVAL
	NODIROPEN
	NOFILEOPEN
	CORRUPT
	WRONGCAL
	WRONGCFG
	WRONGHEAD
	WRONGPROG
	NOTINLIST
	DIRHASH
	CANTDELETE
	TENTRY_NOFOUND
)

var names = map[Code]string{
	IO:             "IO",
	NOSPC:          "NOSPC",
	NOMEM:          "NOMEM",
	NODATA:         "NODATA",
	NOID:           "NOID",
	NAMETOOLONG:    "NAMETOOLONG",
	MUCHOPEN:       "MUCHOPEN",
	NOFATHER:       "NOFATHER",
	NOENT:          "NOENT",
	EXIST:          "EXIST",
	NOTDIR:         "NOTDIR",
	ISDIR:          "ISDIR",
	NOTEMPTY:       "NOTEMPTY",
	BADF:           "BADF",
	FBIG:           "FBIG",
	INVAL:          "INVAL",
	NODIROPEN:      "NODIROPEN",
	NOFILEOPEN:     "NOFILEOPEN",
	CORRUPT:        "CORRUPT",
	WRONGCAL:       "WRONGCAL",
	WRONGCFG:       "WRONGCFG",
	WRONGHEAD:      "WRONGHEAD",
	WRONGPROG:      "WRONGPROG",
	NOTINLIST:      "NOTINLIST",
	DIRHASH:        "DIRHASH",
	CANTDELETE:     "CANTDELETE",
	TENTRY_NOFOUND: "TENTRY_NOFOUND",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// Error wraps a Code with context: a status code carried by a concrete
// error type rather than a sentinel value.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return "nf2fs: " + e.Code.String()
	}
	return "nf2fs: " + e.Code.String() + ": " + e.msg
}

// New builds an Error for the given code with the given message.
func New(code Code, msg string) error {
	return &Error{Code: code, msg: msg}
}

// Wrap builds an Error for code whose message is msg followed by the text of
// the cause's root (pkg/errors Cause). The cause itself is not kept: Error
// has no Cause/Unwrap method and carries no stack.
func Wrap(code Code, cause error, msg string) error {
	if cause == nil {
		return New(code, msg)
	}
	return &Error{Code: code, msg: msg + ": " + errors.Cause(cause).Error()}
}

// As reports whether err carries an nf2fserr.Code, and returns it.
func As(err error) (Code, bool) {
	if e, ok := err.(*Error); ok {
		return e.Code, true
	}
	return 0, false
}

// Is reports whether err is an nf2fserr.Error with the given code.
func Is(err error, code Code) bool {
	c, ok := As(err)
	return ok && c == code
}
