package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchpanel/remotefs/pkg/jobs"
)

func tick(jobID string, pct float64) Event {
	return Event{
		JobID:    jobID,
		Status:   jobs.StatusInProgress,
		Progress: jobs.Progress{Percentage: pct},
	}
}

func TestSubscribeReceivesTicks(t *testing.T) {
	p := New(0)
	defer p.Close()

	ch, cancel := p.Subscribe("job-1")
	defer cancel()

	p.Publish(tick("job-1", 10))
	p.Publish(tick("job-1", 20))

	e := <-ch
	assert.Equal(t, 10.0, e.Progress.Percentage)
	e = <-ch
	assert.Equal(t, 20.0, e.Progress.Percentage)
}

func TestEventsAreScopedToJob(t *testing.T) {
	p := New(0)
	defer p.Close()

	ch1, cancel1 := p.Subscribe("job-1")
	defer cancel1()
	_, cancel2 := p.Subscribe("job-2")
	defer cancel2()

	p.Publish(tick("job-2", 50))
	p.Publish(tick("job-1", 25))

	e := <-ch1
	assert.Equal(t, "job-1", e.JobID)
	assert.Equal(t, 25.0, e.Progress.Percentage)
}

func TestSlowSubscriberDropsTicksNotEngine(t *testing.T) {
	p := New(2)
	defer p.Close()

	ch, cancel := p.Subscribe("job-1")
	defer cancel()

	// Nobody is draining; publishing must never block.
	for i := 0; i < 20; i++ {
		p.Publish(tick("job-1", float64(i)))
	}

	// Only the buffered ticks survive.
	assert.Len(t, ch, 2)
	e := <-ch
	assert.Equal(t, 0.0, e.Progress.Percentage)
	e = <-ch
	assert.Equal(t, 1.0, e.Progress.Percentage)
}

func TestTerminalEventClosesSubscriptions(t *testing.T) {
	p := New(0)
	defer p.Close()

	ch, cancel := p.Subscribe("job-1")
	defer cancel()

	p.Publish(Event{JobID: "job-1", Status: jobs.StatusCompleted,
		Progress: jobs.Progress{Percentage: 100}})

	e, ok := <-ch
	require.True(t, ok)
	assert.True(t, e.Terminal())
	assert.Equal(t, 100.0, e.Progress.Percentage)

	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after the terminal event")
	assert.Equal(t, 0, p.SubscriberCount("job-1"))
}

func TestCancelIsIdempotent(t *testing.T) {
	p := New(0)
	defer p.Close()

	ch, cancel := p.Subscribe("job-1")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, p.SubscriberCount("job-1"))

	// Publishing to a job with no subscribers is a no-op.
	p.Publish(tick("job-1", 10))
}

func TestCloseShutsDownEverySubscription(t *testing.T) {
	p := New(0)

	ch1, _ := p.Subscribe("job-1")
	ch2, _ := p.Subscribe("job-2")
	p.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	// Subscribing after close yields an already-closed channel.
	ch3, cancel := p.Subscribe("job-3")
	defer cancel()
	_, ok = <-ch3
	assert.False(t, ok)
}
