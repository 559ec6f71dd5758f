package loop

// Tier names the rule that produced an assignment.
type Tier string

const (
	TierSticky    Tier = "sticky"
	TierSpillover Tier = "spillover"
	TierGrow      Tier = "grow"
	TierFallback  Tier = "fallback"
)

// Observer receives loop and group events. Implementations must be safe for
// concurrent use; the metrics collector is the production implementation.
type Observer interface {
	TaskExecuted(loop string)
	TaskPanicked(loop string)
	TaskRetried(loop string)
	LoopStarted(loop string)
	LoopStopped(loop string)
	LoopSwept(loop string)
	WeightChanged(loop string, weight int64)
	Assigned(tier Tier)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) TaskExecuted(string)         {}
func (NopObserver) TaskPanicked(string)         {}
func (NopObserver) TaskRetried(string)          {}
func (NopObserver) LoopStarted(string)          {}
func (NopObserver) LoopStopped(string)          {}
func (NopObserver) LoopSwept(string)            {}
func (NopObserver) WeightChanged(string, int64) {}
func (NopObserver) Assigned(Tier)               {}
