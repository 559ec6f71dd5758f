// Package types defines the vocabulary shared by looprail packages and by
// code that plugs transports and stages into them.
package types

import (
	"reflect"
)

// TransportState is the lifecycle state of a transport.
type TransportState string

// Transport states reported to stages on deactivation
const (
	StateOpen       TransportState = "open"        // transport connected and usable
	StateHalfClosed TransportState = "half_closed" // peer stopped sending, writes still allowed
	StateClosed     TransportState = "closed"      // transport released
)

// OptionKey names a transport option.
type OptionKey string

// Common transport options
const (
	OptionNoDelay   OptionKey = "no_delay"   // disable write coalescing
	OptionKeepAlive OptionKey = "keep_alive" // keep-alive probes
	OptionRecvSize  OptionKey = "recv_size"  // receive buffer size hint
)

// TypeTag describes the payload type a stage accepts or produces. A nil tag
// means the stage does not declare one.
type TypeTag = reflect.Type

// AnyType accepts every payload.
var AnyType TypeTag = reflect.TypeOf((*any)(nil)).Elem()

// TypeOf returns the tag for T.
func TypeOf[T any]() TypeTag {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Assignable reports whether a payload tagged out can be handed to a stage
// accepting in. Undeclared tags are always assignable.
func Assignable(out, in TypeTag) bool {
	if out == nil || in == nil {
		return true
	}
	return out.AssignableTo(in)
}
