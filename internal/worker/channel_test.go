package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centavo-app/centavo/internal/common"
)

// runScript executes a /bin/sh script as the worker process.
func runScript(t *testing.T, script string, opts Options) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job := Job{IntegrationType: "test", Method: "getTransactions"}
	return Run(ctx, "/bin/sh", []string{"-c", script}, job, opts)
}

type memStore struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]json.RawMessage)}
}

func (s *memStore) Get(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *memStore) Set(_ context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func TestRunSuccessWithStreamedItems(t *testing.T) {
	script := `read job
echo '{"type":"confirm"}'
echo '{"type":"item","item":{"n":1}}'
echo '{"type":"item","item":{"n":2}}'
echo '{"type":"response","data":{"ok":true}}'`

	counter := NewActiveCounter()
	var items []json.RawMessage
	result, err := runScript(t, script, Options{
		Counter: counter,
		OnItem:  func(item json.RawMessage) { items = append(items, item) },
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Len(t, items, 2)
	assert.Equal(t, 0, counter.Value())
}

func TestRunConfirmTimeout(t *testing.T) {
	counter := NewActiveCounter()
	_, err := runScript(t, `sleep 5`, Options{
		Counter:        counter,
		ConfirmTimeout: 100 * time.Millisecond,
	})
	assert.True(t, errors.Is(err, common.ErrConfirmTimeout))
	assert.Equal(t, 0, counter.Value())
}

func TestRunResponseTimeout(t *testing.T) {
	script := `read job
echo '{"type":"confirm"}'
sleep 5`

	_, err := runScript(t, script, Options{
		ResponseTimeout: 150 * time.Millisecond,
	})
	assert.True(t, errors.Is(err, common.ErrResponseTimeout))
}

func TestRunCrashReasonFromStderr(t *testing.T) {
	script := `read job
echo '{"type":"confirm"}'
echo 'Error: bad credentials' >&2
echo 'second line' >&2
exit 3`

	_, err := runScript(t, script, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrWorkerDied))
	assert.Contains(t, err.Error(), "bad credentials second line")
	assert.NotContains(t, err.Error(), "Error: bad")
}

func TestRunCrashWithoutOutput(t *testing.T) {
	script := `read job
exit 1`

	_, err := runScript(t, script, Options{})
	assert.True(t, errors.Is(err, common.ErrWorkerDied))
	assert.Equal(t, common.ErrWorkerDied.Error(), err.Error())
}

func TestRunCrashReasonFromStrayStdout(t *testing.T) {
	script := `read job
echo 'unhandled exception in plugin'
exit 1`

	_, err := runScript(t, script, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhandled exception in plugin")
}

func TestRunStoreRoundTrip(t *testing.T) {
	script := `read job
echo '{"type":"confirm"}'
echo '{"type":"set","key":"cursor","value":"abc"}'
read ack
echo '{"type":"get","key":"cursor"}'
read reply
echo "{\"type\":\"response\",\"data\":$reply}"`

	store := newMemStore()
	result, err := runScript(t, script, Options{Store: store})
	require.NoError(t, err)

	var reply storeReply
	require.NoError(t, json.Unmarshal(result, &reply))
	assert.Equal(t, "get", reply.Method)
	assert.Equal(t, "cursor", reply.Key)
	assert.JSONEq(t, `"abc"`, string(reply.Value))

	stored, err := store.Get(context.Background(), "cursor")
	require.NoError(t, err)
	assert.JSONEq(t, `"abc"`, string(stored))
}

func TestRunMalformedStoreRequestIsFatal(t *testing.T) {
	script := `read job
echo '{"type":"confirm"}'
echo '{"type":"get"}'
sleep 5`

	_, err := runScript(t, script, Options{Store: newMemStore()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed store request")
}

func TestRunKillsLingererAfterResponse(t *testing.T) {
	script := `read job
echo '{"type":"confirm"}'
echo '{"type":"response","data":1}'
sleep 30`

	counter := NewActiveCounter()
	start := time.Now()
	result, err := runScript(t, script, Options{
		Counter:   counter,
		ExitGrace: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(result))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, counter.Value())
}

func TestRunKillReapsForkedChildren(t *testing.T) {
	// The worker forks a long-lived child that inherits the stderr pipe.
	// Timeout termination must reach the whole process group, or the
	// rejection stays pending until the child exits on its own.
	counter := NewActiveCounter()
	start := time.Now()
	_, err := runScript(t, `sleep 20 & sleep 20`, Options{
		Counter:        counter,
		ConfirmTimeout: 100 * time.Millisecond,
	})
	assert.True(t, errors.Is(err, common.ErrConfirmTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, counter.Value())
}

func TestRunResponseThenImmediateExit(t *testing.T) {
	// Exit right on the heels of the terminal response races process
	// teardown against frame delivery; the response must win every time.
	script := `read job
echo '{"type":"confirm"}'
echo '{"type":"item","item":1}'
echo '{"type":"response","data":{"ok":true}}'`

	for i := 0; i < 50; i++ {
		var items []json.RawMessage
		result, err := runScript(t, script, Options{
			OnItem: func(item json.RawMessage) { items = append(items, item) },
		})
		require.NoError(t, err, "iteration %d", i)
		assert.JSONEq(t, `{"ok":true}`, string(result))
		assert.Len(t, items, 1)
	}
}

func TestActiveCounterWaitZero(t *testing.T) {
	c := NewActiveCounter()

	// Zero counter releases immediately.
	require.NoError(t, c.WaitZero(context.Background()))

	c.Inc()
	c.Inc()
	assert.Equal(t, 2, c.Value())

	done := make(chan error, 1)
	go func() { done <- c.WaitZero(context.Background()) }()

	c.Dec()
	select {
	case <-done:
		t.Fatal("WaitZero released with one worker still active")
	case <-time.After(30 * time.Millisecond):
	}

	c.Dec()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitZero did not release at zero")
	}
}
