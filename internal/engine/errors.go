package engine

import "errors"

// ErrInvalidTriggerConfig indicates a trigger whose configuration cannot
// produce a coverage scan: no usable search terms and no NDC. The scan fails
// fast with no partial writes.
var ErrInvalidTriggerConfig = errors.New("invalid trigger configuration")

// ErrPharmacyNotFound indicates an unknown pharmacy id.
var ErrPharmacyNotFound = errors.New("pharmacy not found")
