package cli

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/looprail/internal/engine"
	"github.com/ChuLiYu/looprail/internal/loop"
	"github.com/ChuLiYu/looprail/internal/pipeline"
	"github.com/ChuLiYu/looprail/pkg/types"
)

// ErrEmptyMessage is reported by ValidateStage for blank input.
var ErrEmptyMessage = errors.New("cli: empty message")

// DecodeStage turns raw bytes into a trimmed string.
type DecodeStage struct{}

func (DecodeStage) Loaded(ctx pipeline.Context, in any) {
	b, ok := in.([]byte)
	if !ok {
		ctx.Fail(errors.New("cli: decode expects []byte"))
		return
	}
	ctx.Proceed(string(bytes.TrimSpace(b)))
}

func (DecodeStage) Accepts() types.TypeTag  { return types.TypeOf[[]byte]() }
func (DecodeStage) Produces() types.TypeTag { return types.TypeOf[string]() }

// ValidateStage drops blank messages.
type ValidateStage struct{}

func (ValidateStage) Loaded(ctx pipeline.Context, in any) {
	s, _ := in.(string)
	if s == "" {
		ctx.Fail(ErrEmptyMessage)
		return
	}
	ctx.Proceed(s)
}

func (ValidateStage) Accepts() types.TypeTag  { return types.TypeOf[string]() }
func (ValidateStage) Produces() types.TypeTag { return types.TypeOf[string]() }

// ReplyStage answers each inbound message on the connection's Store
// pipeline, upper-cased.
type ReplyStage struct {
	Conn *engine.Connection
}

func (r ReplyStage) Loaded(_ pipeline.Context, in any) {
	_ = r.Conn.Write(strings.ToUpper(in.(string)))
}

func (ReplyStage) Accepts() types.TypeTag  { return types.TypeOf[string]() }
func (ReplyStage) Produces() types.TypeTag { return nil }

// EncodeStage turns an outbound string into a newline-terminated frame.
type EncodeStage struct{}

func (EncodeStage) Stored(ctx pipeline.Context, msg any) {
	s, _ := msg.(string)
	ctx.Proceed(append([]byte(s), '\n'))
}

// DemoPipeline installs decode, validate and reply on the Load side and
// encode plus write on the Store side.
func DemoPipeline(c *engine.Connection) error {
	load, store := c.Load(), c.Store()
	for _, step := range []struct {
		key   string
		stage any
	}{
		{"decode", DecodeStage{}},
		{"validate", ValidateStage{}},
		{"reply", ReplyStage{Conn: c}},
	} {
		if err := load.Add(pipeline.NameKey(step.key), step.stage); err != nil {
			return err
		}
	}
	if err := store.Add(pipeline.NameKey("encode"), EncodeStage{}); err != nil {
		return err
	}
	return store.Add(pipeline.NameKey("write"), pipeline.WriteStage{})
}

// MemTransport is an in-memory transport that keeps the frames written to
// it. It has no task loop of its own.
type MemTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	options map[types.OptionKey]any
	writes  atomic.Int64
	closed  atomic.Bool
}

// Write records msg, which must be a []byte frame.
func (m *MemTransport) Write(msg any) error {
	if m.closed.Load() {
		return errors.New("cli: transport closed")
	}
	b, ok := msg.([]byte)
	if !ok {
		return errors.New("cli: transport writes []byte only")
	}
	m.mu.Lock()
	m.frames = append(m.frames, b)
	m.mu.Unlock()
	m.writes.Add(1)
	return nil
}

func (m *MemTransport) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *MemTransport) Option(k types.OptionKey) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.options[k]
	return v, ok
}

func (m *MemTransport) SetOption(k types.OptionKey, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.options == nil {
		m.options = make(map[types.OptionKey]any)
	}
	m.options[k] = v
	return nil
}

func (m *MemTransport) TaskLoop() *loop.Loop { return nil }

// Writes returns how many frames were written.
func (m *MemTransport) Writes() int64 { return m.writes.Load() }

// Frames returns a copy of the written frames.
func (m *MemTransport) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.frames...)
}
