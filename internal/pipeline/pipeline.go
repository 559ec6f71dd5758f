// ============================================================================
// looprail Pipeline - 可變的 stage 鏈
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 雙向 stage 鏈，每個 element 可綁定到自己的 TaskLoop
//
// 架構組件:
//   head ⇄ e1 ⇄ e2 ⇄ ... ⇄ en ⇄ tail
//
//   head 與 tail 是不做事的終端 element，走訪時不需檢查鏈尾。
//   進入綁定在其他 Loop 的 element 時，改為在該 Loop 上排入任務，
//   而不是直接呼叫 stage。
//
// 並發控制:
//   - 結構修改持有寫鎖
//   - 走訪時每一跳在讀鎖下讀取鄰居
//   - 被移除的 element 保留最後的後繼，正在經過它的訊息仍會走完剩下的鏈
//
// 錯誤處理:
//   - 訊息 stage panic 被 recover，並以 ExceptionCaught 事件通知 state stage
//   - 已關閉的 pipeline 返回 ErrPipelineClosed
//
// ============================================================================

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/looprail/internal/loop"
)

type direction int

const (
	dirLoad direction = iota
	dirStore
)

func (d direction) String() string {
	if d == dirStore {
		return "store"
	}
	return "load"
}

// Config models optional configuration for a pipeline.
type Config struct {
	// Name identifies the pipeline in logs and metrics.
	Name string
	// Transport is the I/O handle exposed to stages.
	Transport Transport
	// Group, when set, assigns every element to one of its loops. Otherwise
	// elements bind to Transport.TaskLoop(), or run on the caller.
	Group *loop.Group
	// Diagnostics verifies stage types after each edit while the logger has
	// DEBUG enabled.
	Diagnostics bool
	Logger      *slog.Logger
	Observer    Observer
}

// Element is a node of the chain. It is the selection bound to a task loop.
type Element struct {
	key     Key
	stage   any
	loop    *loop.Loop
	weight  int64
	removed bool

	next, prev *Element
}

// Key returns the element key.
func (e *Element) Key() Key { return e.key }

// Stage returns the user stage.
func (e *Element) Stage() any { return e.stage }

// Loop returns the bound loop, or nil when the element runs on its caller.
func (e *Element) Loop() *loop.Loop { return e.loop }

// Weight implements loop.Selection.
func (e *Element) Weight() int64 { return e.weight }

// ElementOption customises a single element.
type ElementOption func(*Element)

// OnLoop binds the element to l instead of the pipeline's default.
func OnLoop(l *loop.Loop) ElementOption {
	return func(e *Element) { e.loop = l }
}

// Pipeline is the shared core of Load and Store.
type Pipeline struct {
	cfg Config
	dir direction
	log *slog.Logger
	obs Observer

	mu     sync.RWMutex
	head   *Element
	tail   *Element
	index  map[Key]*Element
	closed bool
}

func newPipeline(cfg Config, dir direction) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Name == "" {
		cfg.Name = dir.String()
	}
	p := &Pipeline{
		cfg:   cfg,
		dir:   dir,
		log:   cfg.Logger.With("component", "pipeline", "pipeline", cfg.Name),
		obs:   cfg.Observer,
		head:  &Element{key: NameKey("<head>")},
		tail:  &Element{key: NameKey("<tail>")},
		index: make(map[Key]*Element),
	}
	p.head.next = p.tail
	p.tail.prev = p.head
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.cfg.Name }

// Transport returns the configured transport.
func (p *Pipeline) Transport() Transport { return p.cfg.Transport }

// Add appends stage under key at the tail.
func (p *Pipeline) Add(key Key, stage any, opts ...ElementOption) error {
	return p.insert(key, stage, opts, func() (*Element, error) { return p.tail.prev, nil })
}

// AddBefore inserts stage under key ahead of the element at base.
func (p *Pipeline) AddBefore(base, key Key, stage any, opts ...ElementOption) error {
	return p.insert(key, stage, opts, func() (*Element, error) {
		b, ok := p.index[base]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, base)
		}
		return b.prev, nil
	})
}

// AddAfter inserts stage under key behind the element at base.
func (p *Pipeline) AddAfter(base, key Key, stage any, opts ...ElementOption) error {
	return p.insert(key, stage, opts, func() (*Element, error) {
		b, ok := p.index[base]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, base)
		}
		return b, nil
	})
}

// Remove unlinks the element at key and returns its stage.
func (p *Pipeline) Remove(key Key) (any, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPipelineClosed
	}
	e, ok := p.index[key]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	p.unlinkLocked(e)
	p.mu.Unlock()

	p.unbind(e)
	p.log.Debug("Stage removed", "key", key.String())
	p.diagnose()
	return e.stage, nil
}

// Replace swaps the element at key for a new one under newKey, in place, and
// returns the old stage.
func (p *Pipeline) Replace(key, newKey Key, stage any, opts ...ElementOption) (any, error) {
	if stage == nil {
		return nil, ErrNilStage
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPipelineClosed
	}
	old, ok := p.index[key]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if _, dup := p.index[newKey]; dup && newKey != key {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, newKey)
	}
	e, err := p.newElement(newKey, stage, opts)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	prev := old.prev
	p.unlinkLocked(old)
	p.linkLocked(prev, e)
	p.mu.Unlock()

	p.unbind(old)
	p.diagnose()
	return old.stage, nil
}

// Search returns the element at key.
func (p *Pipeline) Search(key Key) (*Element, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.index[key]
	return e, ok
}

// Keys returns the keys in traversal order.
func (p *Pipeline) Keys() []Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]Key, 0, len(p.index))
	for e := p.head.next; e != p.tail; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.index)
}

// Close removes every element, releasing their loop bindings. Later edits
// and executions fail with ErrPipelineClosed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var elems []*Element
	for e := p.head.next; e != p.tail; e = e.next {
		elems = append(elems, e)
	}
	for _, e := range elems {
		p.unlinkLocked(e)
	}
	p.mu.Unlock()

	for _, e := range elems {
		p.unbind(e)
	}
}

// IsClosed reports whether Close has run.
func (p *Pipeline) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pipeline) insert(key Key, stage any, opts []ElementOption, anchor func() (*Element, error)) error {
	if stage == nil {
		return ErrNilStage
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	if _, dup := p.index[key]; dup {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	prev, err := anchor()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	e, err := p.newElement(key, stage, opts)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.linkLocked(prev, e)
	p.mu.Unlock()

	p.log.Debug("Stage added", "key", key.String(), "loop", loopName(e.loop))
	p.diagnose()
	return nil
}

// newElement builds e and binds it to a loop.
func (p *Pipeline) newElement(key Key, stage any, opts []ElementOption) (*Element, error) {
	e := &Element{key: key, stage: stage, weight: 1}
	if w, ok := stage.(Weighted); ok {
		e.weight = w.Weight()
	}
	for _, opt := range opts {
		opt(e)
	}
	switch {
	case e.loop != nil:
		e.loop.Accept(e)
	case p.cfg.Group != nil:
		l, err := p.cfg.Group.Assign(e)
		if err != nil {
			return nil, fmt.Errorf("pipeline: bind %s: %w", key, err)
		}
		e.loop = l
	case p.cfg.Transport != nil && p.cfg.Transport.TaskLoop() != nil:
		e.loop = p.cfg.Transport.TaskLoop()
		e.loop.Accept(e)
	}
	return e, nil
}

func (p *Pipeline) linkLocked(prev, e *Element) {
	next := prev.next
	e.prev, e.next = prev, next
	prev.next = e
	next.prev = e
	p.index[e.key] = e
}

// unlinkLocked detaches e but leaves e.next pointing at its successor.
func (p *Pipeline) unlinkLocked(e *Element) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.removed = true
	delete(p.index, e.key)
}

func (p *Pipeline) unbind(e *Element) {
	if e.loop != nil {
		e.loop.Reject(e)
	}
}

// successor returns the next live element after e.
func (p *Pipeline) successor(e *Element) *Element {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := e.next
	for n != nil && n.removed {
		n = n.next
	}
	if n == nil {
		return p.tail
	}
	return n
}

func (p *Pipeline) diagnose() {
	if !p.cfg.Diagnostics || !p.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	p.Verify()
}

func loopName(l *loop.Loop) string {
	if l == nil {
		return "caller"
	}
	return l.Name()
}
