package essencefs

import "errors"

// Errors returned across the VFS binding surface (C7). Callers test with
// errors.Is; wrapping with fmt.Errorf("%w", ...) at call sites is expected
// to preserve that.
var (
	ErrBadSignature        = errors.New("essencefs: bad signature")
	ErrVersionUnsupported  = errors.New("essencefs: volume requires a newer driver version")
	ErrAlreadyMounted      = errors.New("essencefs: volume is already mounted")
	ErrNotMounted          = errors.New("essencefs: volume is not mounted")
	ErrCorrupt             = errors.New("essencefs: on-disk structure is corrupt")
	ErrDiskFull            = errors.New("essencefs: no space left on volume")
	ErrNameTooLong         = errors.New("essencefs: name exceeds maximum length")
	ErrIncorrectNodeType   = errors.New("essencefs: operation not valid for this node type")
	ErrIncorrectFileAccess = errors.New("essencefs: node lacks the attribute this access requires")
	ErrInvalidHandle       = errors.New("essencefs: invalid or stale node handle")
	ErrNotFound            = errors.New("essencefs: no such file or directory")
	ErrReadOnly            = errors.New("essencefs: volume is read-only after a structural fault")
	ErrUnsupportedMode     = errors.New("essencefs: unsupported indirection mode")
)
