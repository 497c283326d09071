package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestRunWaitsForAllTasks(t *testing.T) {
	p := New(Config{Name: "test", Workers: 3, QueueSize: 1})
	defer p.Stop(time.Second)

	var ran int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprint(i), Fn: func(context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&ran, 1)
			return nil
		}}
	}
	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))

	s := p.Stats()
	assert.Equal(t, uint64(10), s.Completed)
	assert.Equal(t, uint64(0), s.Failed)
}

func TestRunCollectsFailures(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2})
	defer p.Stop(time.Second)

	boom := errors.New("boom")
	err := p.Run(context.Background(), []Task{
		{ID: "ok", Fn: func(context.Context) error { return nil }},
		{ID: "bad", Fn: func(context.Context) error { return boom }},
		{ID: "panic", Fn: func(context.Context) error { panic("oops") }},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.GreaterOrEqual(t, len(multierr.Errors(err)), 1)
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1})
	require.NoError(t, p.Stop(time.Second))
	_, err := p.Submit(context.Background(), Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}
