// Package errors defines the coded error values shared by every layer of the bus.
//
// Codes that travel on the wire as fault names use the standard D-Bus error names,
// so a stock D-Bus client reports them the way it reports faults from any other
// service. The remaining codes never leave the process.
package errors

// Fault names sent to callers. Keep stable; clients match on them.
const (
	ErrCodeUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrCodeArgumentMismatch = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrCodeFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrCodeRateLimited      = "org.freedesktop.DBus.Error.LimitsExceeded"
	ErrCodeServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrCodeNoReply          = "org.freedesktop.DBus.Error.NoReply"
)

// Process-local codes.
const (
	ErrCodeFormat          = "gsus.format"
	ErrCodeTransport       = "gsus.transport"
	ErrCodePeerGone        = "gsus.peer_gone"
	ErrCodeNameTaken       = "gsus.name_taken"
	ErrCodeDuplicateMethod = "gsus.duplicate_method"
	ErrCodeRegistrySealed  = "gsus.registry_sealed"
	ErrCodeConfig          = "gsus.config"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

// Code exposes the code so that fault values can match a coded error with errors.Is.
func (e codedError) Code() string { return string(e) }

var (
	ErrUnknownMethod    = Code(ErrCodeUnknownMethod)
	ErrArgumentMismatch = Code(ErrCodeArgumentMismatch)
	ErrFailed           = Code(ErrCodeFailed)
	ErrRateLimited      = Code(ErrCodeRateLimited)
	ErrServiceUnknown   = Code(ErrCodeServiceUnknown)
	ErrNoReply          = Code(ErrCodeNoReply)

	ErrFormat          = Code(ErrCodeFormat)
	ErrTransport       = Code(ErrCodeTransport)
	ErrPeerGone        = Code(ErrCodePeerGone)
	ErrNameTaken       = Code(ErrCodeNameTaken)
	ErrDuplicateMethod = Code(ErrCodeDuplicateMethod)
	ErrRegistrySealed  = Code(ErrCodeRegistrySealed)
	ErrConfig          = Code(ErrCodeConfig)
)
