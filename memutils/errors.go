package memutils

import "github.com/cockroachdb/errors"

// ZeroAlignmentError is the error returned from CheckAlignment if an alignment of zero is provided
var ZeroAlignmentError error = errors.New("alignment must be at least 1")
