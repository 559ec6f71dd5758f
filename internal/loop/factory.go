package loop

import "runtime"

// ThreadFactory spawns the goroutine that drives a run loop.
type ThreadFactory interface {
	Spawn(name string, run func())
}

// ThreadFactoryFunc adapts a function to ThreadFactory.
type ThreadFactoryFunc func(name string, run func())

// Spawn calls f(name, run).
func (f ThreadFactoryFunc) Spawn(name string, run func()) { f(name, run) }

// Goroutines runs each loop on a plain goroutine.
var Goroutines ThreadFactory = ThreadFactoryFunc(func(_ string, run func()) {
	go run()
})

// LockedThreads wires each loop goroutine to its own OS thread. The thread is
// terminated when the loop exits, so threads are never reused across a
// close and reopen.
var LockedThreads ThreadFactory = ThreadFactoryFunc(func(_ string, run func()) {
	go func() {
		runtime.LockOSThread()
		run()
	}()
})
