package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name string

	mu      sync.Mutex
	started bool
	stopped bool

	startErr  error
	healthErr error

	log *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	if f.log != nil {
		*f.log = append(*f.log, "start:"+f.name)
	}
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.log != nil {
		*f.log = append(*f.log, "stop:"+f.name)
	}
	return nil
}

func (f *fakeService) HealthCheck(ctx context.Context) error { return f.healthErr }

func TestRunner_StartsInOrderAndStopsAll(t *testing.T) {
	var log []string
	a := &fakeService{name: "a", log: &log}
	b := &fakeService{name: "b", log: &log}

	r := New([]Service{a, b})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.started
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.started
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
	assert.Equal(t, []string{"start:a", "start:b"}, log[:2])
}

func TestRunner_StartFailureStopsStartedServices(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b", startErr: errors.New("boom")}

	r := New([]Service{a, b})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start service b")

	assert.True(t, a.stopped, "already-started services must be stopped")
	assert.False(t, b.started)
}

func TestRunner_HealthCheck(t *testing.T) {
	healthy := &fakeService{name: "ok"}
	sick := &fakeService{name: "sick", healthErr: errors.New("degraded")}

	err := New([]Service{healthy}).HealthCheck(context.Background())
	assert.NoError(t, err)

	err = New([]Service{healthy, sick}).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sick")
}

func TestRunner_NoServices(t *testing.T) {
	r := New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, r.Run(ctx))
}
