package emit_test

import (
	"testing"
	"time"

	"github.com/beamflow/beamflow/flow/emit"
)

func event(workflowID string, typ emit.EventType) emit.Event {
	return emit.Event{
		ID:         workflowID + "-" + string(typ),
		WorkflowID: workflowID,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
	}
}

func recv(t *testing.T, sub *emit.Subscription) emit.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return emit.Event{}
	}
}

func TestBusTopicDelivery(t *testing.T) {
	bus := emit.NewBus()
	defer bus.Close()

	wf1 := bus.Subscribe(emit.WorkflowTopic("wf-1"))
	wf2 := bus.Subscribe(emit.WorkflowTopic("wf-2"))
	defer wf1.Close()
	defer wf2.Close()

	bus.Publish(emit.WorkflowTopic("wf-1"), event("wf-1", emit.StepStarted))

	got := recv(t, wf1)
	if got.WorkflowID != "wf-1" {
		t.Errorf("WorkflowID = %s", got.WorkflowID)
	}

	select {
	case ev := <-wf2.C():
		t.Errorf("wf-2 subscriber received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusFirehose(t *testing.T) {
	bus := emit.NewBus()
	defer bus.Close()

	all := bus.Subscribe(emit.TopicAllWorkflows)
	defer all.Close()

	bus.Publish(emit.WorkflowTopic("wf-1"), event("wf-1", emit.StepStarted))
	bus.Publish(emit.WorkflowTopic("wf-2"), event("wf-2", emit.StepCompleted))

	first := recv(t, all)
	second := recv(t, all)
	if first.WorkflowID != "wf-1" || second.WorkflowID != "wf-2" {
		t.Errorf("firehose got %s then %s", first.WorkflowID, second.WorkflowID)
	}

	// Non-workflow topics stay off the firehose.
	bus.Publish(emit.TopicChaos, event("wf-3", emit.ChaosInjected))
	select {
	case ev := <-all.C():
		t.Errorf("firehose received chaos event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	bus := emit.NewBus()
	defer bus.Close()

	sub := bus.SubscribeBuffered("topic", 2)
	defer sub.Close()

	// Publisher never blocks, even past the buffer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("topic", event("wf", emit.StepStarted))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Only the buffered events are there.
	received := 0
	for {
		select {
		case <-sub.C():
			received++
		default:
			if received != 2 {
				t.Errorf("received = %d, want 2 (rest dropped)", received)
			}
			return
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := emit.NewBus()
	defer bus.Close()

	sub := bus.Subscribe("topic")
	sub.Close()
	sub.Close() // double close is safe

	bus.Publish("topic", event("wf", emit.StepStarted))
	if _, open := <-sub.C(); open {
		t.Error("closed subscription channel still open")
	}
}

func TestBusClose(t *testing.T) {
	bus := emit.NewBus()
	sub := bus.Subscribe("topic")

	bus.Close()
	bus.Close() // idempotent

	if _, open := <-sub.C(); open {
		t.Error("subscription open after bus close")
	}
	// Publishing to a closed bus is a no-op.
	bus.Publish("topic", event("wf", emit.StepStarted))
}

func TestBusAttachedEmitter(t *testing.T) {
	bus := emit.NewBus()
	defer bus.Close()

	buf := emit.NewBufferedEmitter()
	bus.Attach(buf)

	bus.Publish(emit.WorkflowTopic("wf-1"), event("wf-1", emit.StepStarted))
	bus.Publish(emit.TopicChaos, event("wf-1", emit.ChaosInjected))

	if n := buf.Count("wf-1"); n != 2 {
		t.Errorf("attached emitter saw %d events, want 2 (all topics)", n)
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	buf.Emit(emit.Event{ID: "1", WorkflowID: "wf", Type: emit.StepStarted, NodeID: "a"})
	buf.Emit(emit.Event{ID: "2", WorkflowID: "wf", Type: emit.StepFailed, NodeID: "a"})
	buf.Emit(emit.Event{ID: "3", WorkflowID: "wf", Type: emit.StepFailed, NodeID: "b"})

	failures := buf.HistoryWithFilter("wf", emit.HistoryFilter{Type: emit.StepFailed})
	if len(failures) != 2 {
		t.Errorf("failures = %d, want 2", len(failures))
	}

	nodeA := buf.HistoryWithFilter("wf", emit.HistoryFilter{NodeID: "a", Type: emit.StepFailed})
	if len(nodeA) != 1 || nodeA[0].ID != "2" {
		t.Errorf("nodeA = %v", nodeA)
	}

	buf.Clear("wf")
	if buf.Count("wf") != 0 {
		t.Error("Clear left events behind")
	}
}
