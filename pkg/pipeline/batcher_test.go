package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleet-reporter/pkg/broker"
	"github.com/fleetops/fleet-reporter/pkg/fleet"
)

func collectBatch(t *testing.T, out <-chan []*fleet.Event) []*fleet.Event {
	t.Helper()
	select {
	case batch, ok := <-out:
		require.True(t, ok, "output closed before a batch arrived")
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted")
		return nil
	}
}

func TestBatcher_EmitsWindowedBatches(t *testing.T) {
	b := NewBatcher(50 * time.Millisecond)
	in := make(chan *fleet.Event)
	out := b.Run(in)

	in <- vehicleEvent("w1", "SUV", 200, 2015, 180)
	in <- vehicleEvent("w2", "Sedan", 100, 1995, 120)

	batch := collectBatch(t, out)
	assert.Len(t, batch, 2)

	in <- vehicleEvent("w3", "Van", 150, 2005, 160)
	batch = collectBatch(t, out)
	require.Len(t, batch, 1)
	assert.Equal(t, "w3", batch[0].AID)

	close(in)
	_, ok := <-out
	assert.False(t, ok, "output must close after input closes")
}

func TestBatcher_EmptyWindowEmitsNothing(t *testing.T) {
	b := NewBatcher(20 * time.Millisecond)
	in := make(chan *fleet.Event)
	out := b.Run(in)

	select {
	case batch := <-out:
		t.Fatalf("unexpected batch of %d events from empty windows", len(batch))
	case <-time.After(100 * time.Millisecond):
	}

	close(in)
}

func TestBatcher_FlushesBufferOnClose(t *testing.T) {
	// A window long enough that no tick fires during the test; the buffered
	// events must still come out as a final batch when the input closes.
	b := NewBatcher(time.Hour)
	in := make(chan *fleet.Event, 2)
	in <- vehicleEvent("f1", "SUV", 200, 2015, 180)
	in <- vehicleEvent("f2", "Sedan", 100, 1995, 120)
	close(in)

	out := b.Run(in)
	batch := collectBatch(t, out)
	assert.Len(t, batch, 2)

	_, ok := <-out
	assert.False(t, ok)
}

func TestBatcher_DefaultsWindow(t *testing.T) {
	assert.Equal(t, DefaultWindow, NewBatcher(0).Window())
	assert.Equal(t, 5*time.Second, NewBatcher(5*time.Second).Window())
}

func TestIntake_DecodesAndDropsMalformed(t *testing.T) {
	in := make(chan broker.Message, 3)
	in <- broker.Message{Topic: "fleet/vehicles/generated",
		Payload: []byte(`{"aid":"a1","data":{"type":"SUV","hp":200,"year":2015,"topSpeed":180}}`)}
	in <- broker.Message{Topic: "fleet/vehicles/generated", Payload: []byte(`not json`)}
	in <- broker.Message{Topic: "fleet/vehicles/generated",
		Payload: []byte(`{"id":"m-2","type":"VehicleGenerated","data":{"aid":"a2","data":{"type":"Sedan"}}}`)}
	close(in)

	out := NewIntake().Run(in)

	var events []*fleet.Event
	for ev := range out {
		events = append(events, ev)
	}

	require.Len(t, events, 2, "the malformed message must be dropped, not fatal")
	assert.Equal(t, "a1", events[0].AID)
	assert.Equal(t, "SUV", events[0].Data.Type)
	assert.Equal(t, "a2", events[1].AID)
	assert.Equal(t, "Sedan", events[1].Data.Type)
}
