package pipeline

import "strconv"

// Key identifies a stage within one pipeline. Keys compare by value.
type Key struct {
	name  string
	n     int
	named bool
}

// IntKey returns a numeric key.
func IntKey(n int) Key { return Key{n: n} }

// NameKey returns a named key.
func NameKey(name string) Key { return Key{name: name, named: true} }

func (k Key) String() string {
	if k.named {
		return k.name
	}
	return "#" + strconv.Itoa(k.n)
}
