package pipeline

import "github.com/ChuLiYu/looprail/internal/task"

// Load carries inbound messages head to tail through LoadStage stages.
type Load struct {
	*Pipeline
}

// NewLoad creates an empty Load pipeline.
func NewLoad(cfg Config) *Load {
	return &Load{Pipeline: newPipeline(cfg, dirLoad)}
}

// Execute feeds in to the first load stage. cur is the caller's execution
// token; task.External when the caller is not a task loop.
func (l *Load) Execute(cur task.Token, in any) error {
	return l.execute(cur, in, nil)
}

// Store carries outbound messages head to tail through StoreStage stages,
// usually ending in a WriteStage.
type Store struct {
	*Pipeline
}

// NewStore creates an empty Store pipeline.
func NewStore(cfg Config) *Store {
	return &Store{Pipeline: newPipeline(cfg, dirStore)}
}

// Execute feeds msg to the first store stage.
func (s *Store) Execute(cur task.Token, msg any) error {
	return s.execute(cur, msg, nil)
}

// ExecuteWith feeds msg together with a parameter, for example a write
// promise or a destination address.
func (s *Store) ExecuteWith(cur task.Token, msg, param any) error {
	return s.execute(cur, msg, param)
}
