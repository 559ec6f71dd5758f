package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/ChuLiYu/looprail/internal/cli"
	"github.com/ChuLiYu/looprail/internal/engine"
	"github.com/ChuLiYu/looprail/internal/task"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <pipeline|heal|timer>")
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		MinLoops:      2,
		MaxLoops:      4,
		Dispatchers:   2,
		TimerEnabled:  true,
		StatsInterval: 100 * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Stop()
	fmt.Println("✓ Engine started")

	switch mode := os.Args[1]; mode {
	case "pipeline":
		demoPipeline(eng)
	case "heal":
		demoHeal(eng)
	case "timer":
		demoTimer(eng)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}
}

// demoPipeline pushes a few frames through decode → validate → reply and
// prints what reached the transport.
func demoPipeline(eng *engine.Engine) {
	tr := &cli.MemTransport{}
	c, err := eng.Connect(tr, cli.DemoPipeline)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	fmt.Printf("✓ Connection %s on %s\n", c.ID(), c.Dispatcher().Name())
	fmt.Printf("  Load:  %v\n", c.Load().Keys())
	fmt.Printf("  Store: %v\n", c.Store().Keys())

	inputs := []string{"hello", "   ", "task loops", "pipelines"}
	for _, in := range inputs {
		if err := c.Read([]byte(in)); err != nil {
			log.Fatalf("Read failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for tr.Writes() < int64(len(inputs)-1) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Println("\n📤 Frames written:")
	for _, f := range tr.Frames() {
		fmt.Printf("  %q\n", f)
	}
	printStats(eng)
}

// demoHeal kills one loop goroutine and waits for the stats loop to
// replace it.
func demoHeal(eng *engine.Engine) {
	printStats(eng)
	victim := eng.Loops().Loops()[0]
	fmt.Printf("\n💥 Killing %s\n", victim.Name())
	if err := victim.OfferTask(task.Once(runtime.Goexit)); err != nil {
		log.Fatalf("Offer failed: %v", err)
	}
	<-victim.Done()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		healed := true
		for _, l := range eng.Loops().Loops() {
			if l == victim || !l.Alive() {
				healed = false
			}
		}
		if healed {
			fmt.Println("✓ Pool healed")
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	printStats(eng)
}

// demoTimer schedules two tasks and cancels one before it fires.
func demoTimer(eng *engine.Engine) {
	l := eng.Loops().Loops()[0]
	fired := make(chan string, 2)

	keep, err := l.Schedule(task.Once(func() { fired <- "kept" }), 50*time.Millisecond)
	if err != nil {
		log.Fatalf("Schedule failed: %v", err)
	}
	drop, err := l.Schedule(task.Once(func() { fired <- "cancelled" }), 50*time.Millisecond)
	if err != nil {
		log.Fatalf("Schedule failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	drop.Cancel()

	keep.WaitTimeout(time.Second)
	time.Sleep(20 * time.Millisecond)
	for n := len(fired); n > 0; n-- {
		fmt.Printf("⏰ fired: %s\n", <-fired)
	}
	fmt.Printf("  kept:      %s\n", keep.State())
	fmt.Printf("  cancelled: %s\n", drop.State())
}

func printStats(eng *engine.Engine) {
	s := eng.Stats()
	fmt.Println("\n📊 Engine:")
	fmt.Printf("  Loops:         %d\n", s.Loops)
	for name, w := range s.LoopWeights {
		fmt.Printf("    └─ %-12s weight %d\n", name, w)
	}
	fmt.Printf("  Dispatchers:   %d\n", s.Dispatchers)
	fmt.Printf("  Connections:   %d\n", s.Connections)
	fmt.Printf("  Timer pending: %d\n", s.TimerPending)
}
