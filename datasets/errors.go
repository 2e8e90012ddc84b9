package datasets

import "github.com/pkg/errors"

var (
	// ErrDataContract is returned when images and labels don't line up: length
	// mismatch, malformed pixel buffers or images of inconsistent dimensions.
	ErrDataContract = errors.New("data contract violation")

	// ErrConfiguration is returned when the requested batching can't yield any
	// batch, e.g. an empty dataset or a batch size larger than the epoch budget.
	ErrConfiguration = errors.New("invalid configuration")
)
