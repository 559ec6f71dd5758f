package loop

import "errors"

var (
	// ErrInvalidArgument reports a configuration mistake such as a
	// non-positive worker count or a nil selection.
	ErrInvalidArgument = errors.New("loop: invalid argument")

	// ErrGroupClosed is returned when assigning on a group that is not open.
	ErrGroupClosed = errors.New("loop: group is closed")

	// ErrLoopClosed is returned when offering to a closed loop.
	ErrLoopClosed = errors.New("loop: loop is closed")

	// ErrNoCapacity is returned by OverflowReject groups when every loop is at
	// the weight threshold and the pool cannot grow.
	ErrNoCapacity = errors.New("loop: no loop below the weight threshold")
)
