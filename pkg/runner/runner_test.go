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

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeService struct {
	name     string
	log      *journal
	startErr error
	stopErr  error
	health   error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	s.log.add("start " + s.name)
	return s.startErr
}

func (s *fakeService) Stop(context.Context) error {
	s.log.add("stop " + s.name)
	return s.stopErr
}

func (s *fakeService) HealthCheck(context.Context) error { return s.health }

func TestRunStartsInOrderAndStopsInReverse(t *testing.T) {
	log := &journal{}
	r := New([]Service{
		&fakeService{name: "store", log: log},
		&fakeService{name: "bus", log: log},
		&fakeService{name: "handler", log: log},
	}, WithoutSignals())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(log.list()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{
		"start store", "start bus", "start handler",
		"stop handler", "stop bus", "stop store",
	}, log.list())
}

func TestRunStopsStartedServicesOnStartFailure(t *testing.T) {
	log := &journal{}
	boom := errors.New("boom")
	r := New([]Service{
		&fakeService{name: "store", log: log},
		&fakeService{name: "bus", log: log, startErr: boom},
		&fakeService{name: "handler", log: log},
	}, WithoutSignals())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start store", "start bus", "stop store"}, log.list())
}

func TestStopErrorsAreReported(t *testing.T) {
	log := &journal{}
	boom := errors.New("stuck")
	r := New([]Service{
		&fakeService{name: "a", log: log, stopErr: boom},
		&fakeService{name: "b", log: log},
	}, WithoutSignals())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log.list())
}

func TestHealthCheckAggregates(t *testing.T) {
	log := &journal{}
	down := errors.New("down")
	r := New([]Service{
		&fakeService{name: "a", log: log},
		&fakeService{name: "b", log: log, health: down},
	})
	assert.ErrorIs(t, r.HealthCheck(context.Background()), down)

	r = New([]Service{&fakeService{name: "a", log: log}})
	assert.NoError(t, r.HealthCheck(context.Background()))
}
