package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/embedbridge/errors"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()

	got := make(chan []byte, 1)
	_, err := bus.Subscribe("a.b", func(_ string, data []byte) {
		got <- data
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish("a.b", []byte("hello")))

	select {
	case data := <-got:
		assert.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBus_NoSubscribersIsNotAnError(t *testing.T) {
	bus := NewMemoryBus()
	assert.NoError(t, bus.Publish("nobody.home", []byte("x")))
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()

	var mu sync.Mutex
	count := 0
	sub, err := bus.Subscribe("a", func(string, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish("a", []byte("1")))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish("a", []byte("2")))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestMemoryBus_FailNext(t *testing.T) {
	bus := NewMemoryBus()
	bus.FailNext(2)

	err := bus.Publish("a", nil)
	assert.ErrorIs(t, err, errors.ErrTransport)
	err = bus.Publish("a", nil)
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.NoError(t, bus.Publish("a", nil))
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()
	assert.ErrorIs(t, bus.Publish("a", nil), errors.ErrNoConnection)
	_, err := bus.Subscribe("a", func(string, []byte) {})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		_, err := bus.Subscribe("fan", func(string, []byte) { wg.Done() })
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish("fan", []byte("x")))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the message")
	}
}
