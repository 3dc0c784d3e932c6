package servicectx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
)

type messageLog struct {
	lock     sync.Mutex
	messages []string
}

func (l *messageLog) add(msg string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *messageLog) all() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.messages...)
}

func TestProcess_Shutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	core, logs := observer.New(zap.InfoLevel)
	proc, err := New(ctx, cancel, zap.New(core), WithUniqueID("<id>"))
	assert.NoError(t, err)

	// Operations run in parallel, the sleeps make the completion order stable
	ops := &messageLog{}
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		ops.add("end1")
	})
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		<-ctx.Done()
		time.Sleep(200 * time.Millisecond)
		ops.add("end2")
	})
	proc.OnShutdown(func() {
		ops.add("onShutdown1")
	})
	proc.OnShutdown(func() {
		ops.add("onShutdown2")
	})
	proc.Shutdown(errors.New("some error"))
	proc.WaitForShutdown()

	// LIFO shutdown callbacks first, then the operations finish
	assert.Equal(t, []string{"onShutdown2", "onShutdown1", "end1", "end2"}, ops.all())

	var messages []string
	for _, entry := range logs.All() {
		messages = append(messages, entry.Message)
	}
	assert.Equal(t, []string{"process started", "exiting", "exited"}, messages)
}

func TestProcess_OperationFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	core, logs := observer.New(zap.InfoLevel)
	proc, err := New(ctx, cancel, zap.New(core), WithUniqueID("<id>"))
	assert.NoError(t, err)

	// A failed operation triggers the shutdown of the whole process
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		errCh <- errors.New("operation failed")
	})
	proc.WaitForShutdown()

	var exitReason string
	for _, entry := range logs.All() {
		if entry.Message == "exiting" {
			for _, field := range entry.Context {
				if field.Key == "error" {
					exitReason = field.Interface.(error).Error()
				}
			}
		}
	}
	assert.Equal(t, "operation failed", exitReason)
}

func TestProcess_UniqueID(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := New(ctx, cancel, zap.NewNop())
	assert.NoError(t, err)
	assert.NotEmpty(t, proc.UniqueID())
	proc.Shutdown(errors.New("test done"))
	proc.WaitForShutdown()
}
