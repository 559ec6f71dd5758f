package loop

// Selection is anything bound to exactly one Loop at a time, typically a
// connection or a pipeline element. Implementations must be comparable
// (pointer types are the usual choice).
type Selection interface {
	// Weight is the load the selection contributes to its loop.
	Weight() int64
}

// NotChanged is returned by Accept and Reject when the selection was already
// present or absent.
const NotChanged int64 = -1

func weightOf(s Selection) int64 {
	w := s.Weight()
	if w < 0 {
		return 0
	}
	return w
}
