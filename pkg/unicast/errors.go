package unicast

import "github.com/pkg/errors"

// ErrStopped is returned by Down when the layer has been stopped.
var ErrStopped = errors.New("unicast: layer stopped")

// ErrUnknownHeaderType is the §7 "protocol fatal" condition: an
// unrecognized header type byte. The caller logs it at error level and
// drops the message; no layer state changes.
var ErrUnknownHeaderType = errors.New("unicast: unknown header type")
