package progress

import (
	"context"
	"fmt"
	"time"
)

type stageCounter struct {
	counts map[Stage]int
}

func (s *stageCounter) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.counts[evt.Stage]++
	}
	return nil
}

func (s *stageCounter) Close(context.Context) error {
	return nil
}

func ExampleHub() {
	counter := &stageCounter{counts: make(map[Stage]int)}
	hub := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: time.Second}, counter)

	now := time.Now()
	hub.Emit(Event{JobID: "j1", TS: now, Stage: StageSubmitted})
	hub.Emit(Event{JobID: "j1", TS: now, Stage: StageSnapshot, Pages: 2, Rendered: 1})
	hub.Emit(Event{JobID: "j1", TS: now, Stage: StageSnapshot, Pages: 2, Rendered: 2})
	hub.Emit(Event{JobID: "j1", TS: now, Stage: StageJobDone})

	_ = hub.Close(context.Background())
	fmt.Println(counter.counts[StageSnapshot], counter.counts[StageJobDone])
	// Output: 2 1
}
