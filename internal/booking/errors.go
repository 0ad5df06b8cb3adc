package booking

import "errors"

// ErrInvalidOption is returned for option configurations that cannot be
// stored.
var ErrInvalidOption = errors.New("invalid option")
