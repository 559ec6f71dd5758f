package pipeline

import (
	"fmt"

	"github.com/ChuLiYu/looprail/pkg/types"
)

// Mismatch is a pair of neighbouring typed stages whose payload types do not
// line up.
type Mismatch struct {
	From, To Key
	Produces types.TypeTag
	Accepts  types.TypeTag
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s produces %v but %s accepts %v", m.From, m.Produces, m.To, m.Accepts)
}

// Verify walks the chain once and reports neighbouring Typed stages whose
// types are not assignable. Stages that do not declare types break the
// comparison. Findings are logged at WARN; the chain is never modified.
func (p *Pipeline) Verify() []Mismatch {
	p.mu.RLock()
	var (
		out  []Mismatch
		prev *Element
	)
	for e := p.head.next; e != p.tail; e = e.next {
		if !p.handles(e) {
			continue
		}
		t, ok := e.stage.(Typed)
		if !ok {
			prev = nil
			continue
		}
		if prev != nil {
			pt := prev.stage.(Typed)
			if !types.Assignable(pt.Produces(), t.Accepts()) {
				out = append(out, Mismatch{From: prev.key, To: e.key, Produces: pt.Produces(), Accepts: t.Accepts()})
			}
		}
		prev = e
	}
	p.mu.RUnlock()

	for _, m := range out {
		p.log.Warn("Stage type mismatch", "from", m.From.String(), "to", m.To.String(),
			"produces", fmt.Sprint(m.Produces), "accepts", fmt.Sprint(m.Accepts))
	}
	return out
}
