package pipeline

import (
	"errors"

	"github.com/ChuLiYu/looprail/internal/loop"
	"github.com/ChuLiYu/looprail/pkg/types"
)

var (
	// ErrKeyNotFound is returned by structural edits naming an absent key.
	ErrKeyNotFound = errors.New("pipeline: key not found")
	// ErrDuplicateKey is returned when a key is already present.
	ErrDuplicateKey = errors.New("pipeline: duplicate key")
	// ErrPipelineClosed is returned once Close has run.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrNilStage is returned when adding a nil stage.
	ErrNilStage = errors.New("pipeline: nil stage")
	// ErrNoLoop is returned when scheduling from an element bound to no loop.
	ErrNoLoop = errors.New("pipeline: element has no task loop")
)

// LoadStage handles inbound messages in a Load pipeline.
type LoadStage interface {
	Loaded(ctx Context, in any)
}

// StoreStage handles outbound messages in a Store pipeline.
type StoreStage interface {
	Stored(ctx Context, msg any)
}

// StateStage receives lifecycle events. Events visit every state stage in
// order; a stage does not need to forward them.
type StateStage interface {
	StateChanged(ctx StateContext, ev StateEvent)
}

// Typed stages declare their payload types for Verify.
type Typed interface {
	Accepts() types.TypeTag
	Produces() types.TypeTag
}

// Weighted stages override the default weight of 1 used when binding their
// element to a task loop.
type Weighted interface {
	Weight() int64
}

// EventKind enumerates lifecycle events.
type EventKind int

const (
	Activated EventKind = iota
	Deactivated
	ExceptionCaught
)

func (k EventKind) String() string {
	switch k {
	case Activated:
		return "activated"
	case Deactivated:
		return "deactivated"
	case ExceptionCaught:
		return "exception_caught"
	default:
		return "unknown"
	}
}

// StateEvent is a lifecycle event. State is set for Deactivated, Err for
// ExceptionCaught.
type StateEvent struct {
	Kind  EventKind
	State types.TransportState
	Err   error
}

// Transport is the I/O handle a pipeline writes to.
type Transport interface {
	Write(msg any) error
	Close() error
	Option(key types.OptionKey) (any, bool)
	SetOption(key types.OptionKey, v any) error
	// TaskLoop is the loop elements bind to when the pipeline has no group.
	// It may be nil, in which case stages run on the caller.
	TaskLoop() *loop.Loop
}

// Observer receives pipeline events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ThreadHop(pipeline string)
	StagePanicked(pipeline, stage string)
	MessageDropped(pipeline string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) ThreadHop(string)             {}
func (NopObserver) StagePanicked(string, string) {}
func (NopObserver) MessageDropped(string)        {}

// WriteStage is the terminal store stage: it hands each message to the
// transport and reports write errors as ExceptionCaught.
type WriteStage struct{}

// Stored writes msg.
func (WriteStage) Stored(ctx Context, msg any) {
	tr := ctx.Transport()
	if tr == nil {
		ctx.Fail(errors.New("pipeline: no transport to write to"))
		return
	}
	if err := tr.Write(msg); err != nil {
		ctx.Fail(err)
	}
}

// StageFuncs builds a stage from plain functions. Nil fields are passed
// through.
type StageFuncs struct {
	Load  func(ctx Context, in any)
	Store func(ctx Context, msg any)
	State func(ctx StateContext, ev StateEvent)
}

func (s StageFuncs) Loaded(ctx Context, in any) {
	if s.Load == nil {
		ctx.Proceed(in)
		return
	}
	s.Load(ctx, in)
}

func (s StageFuncs) Stored(ctx Context, msg any) {
	if s.Store == nil {
		ctx.Proceed(msg)
		return
	}
	s.Store(ctx, msg)
}

func (s StageFuncs) StateChanged(ctx StateContext, ev StateEvent) {
	if s.State != nil {
		s.State(ctx, ev)
	}
}
