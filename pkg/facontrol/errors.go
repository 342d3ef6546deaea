package facontrol

import (
	"errors"

	"github.com/joomcode/errorx"
)

// Errors is the namespace for every error surfaced to callers of this package
var Errors = errorx.NewNamespace("facontrol")

var (
	// InvalidArgument is returned for caller-supplied values outside their domain, e.g. a volume outside [0, 1]
	InvalidArgument = Errors.NewType("invalid_argument")

	// ConnectionError is returned when the audio service can't be reached or stops answering mid-request
	ConnectionError = Errors.NewType("connection", errorx.Temporary())

	// NotFound is returned when the requested application or device doesn't currently exist
	NotFound = Errors.NewType("not_found", errorx.NotFound())

	// Timeout is returned when a bounded wait elapsed with no definitive result
	Timeout = Errors.NewType("timeout", errorx.Timeout())

	// Unavailable is returned for capabilities that aren't implemented by the current backend or configuration
	Unavailable = Errors.NewType("unavailable")

	// PlatformUnsupported is returned for every operation on an operating system other than linux or windows
	PlatformUnsupported = Errors.NewType("platform_unsupported")
)

const (
	KindInvalidArgument     = "invalid_argument"
	KindConnection          = "connection"
	KindNotFound            = "not_found"
	KindTimeout             = "timeout"
	KindUnavailable         = "unavailable"
	KindPlatformUnsupported = "platform_unsupported"
	KindInternal            = "internal"
)

var errorKinds = []struct {
	t    *errorx.Type
	kind string
}{
	{InvalidArgument, KindInvalidArgument},
	{ConnectionError, KindConnection},
	{NotFound, KindNotFound},
	{Timeout, KindTimeout},
	{Unavailable, KindUnavailable},
	{PlatformUnsupported, KindPlatformUnsupported},
}

// ErrorKind classifies err into one of the Kind* strings, looking through fmt.Errorf wrapping.
// Errors that didn't originate here are KindInternal
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var typed *errorx.Error
	if !errors.As(err, &typed) {
		return KindInternal
	}

	for _, k := range errorKinds {
		if typed.IsOfType(k.t) {
			return k.kind
		}
	}

	return KindInternal
}

func isOwnError(err error) bool {
	return ErrorKind(err) != KindInternal
}
