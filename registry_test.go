package zmsg

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func register(t *testing.T, r *Registry) *Action {
	t.Helper()
	id, err := r.Allocate()
	require.NoError(t, err)
	a := NewAction(NewFrame(ActionProduce, ItemSession, 1))
	require.NoError(t, a.acquire())
	require.NoError(t, r.Register(id, a))
	return a
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(2)
	a1 := register(t, r)
	register(t, r)

	_, err := r.Allocate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, r.Pending())

	// a completed slot becomes free again
	require.True(t, r.Complete(a1.ID(), &Frame{}))
	_, err = r.Allocate()
	assert.NoError(t, err)
}

func TestRegistryCompleteOnce(t *testing.T) {
	r := NewRegistry(4)
	a := register(t, r)
	reply := &Frame{Action: ActionReply, ID: a.ID()}

	assert.True(t, r.Complete(a.ID(), reply))
	assert.False(t, r.Complete(a.ID(), &Frame{}))
	assert.False(t, r.Cancel(a.ID(), errors.New("late")))

	<-a.Done()
	assert.Same(t, reply, a.Reply())
	assert.NoError(t, a.Err())
	assert.Equal(t, 0, r.Pending())
}

func TestRegistryStaleGeneration(t *testing.T) {
	r := NewRegistry(1)
	first := register(t, r)
	stale := first.ID()
	require.True(t, r.Complete(stale, &Frame{}))

	second := register(t, r)
	assert.NotEqual(t, stale, second.ID())
	assert.Equal(t, uint32(stale), uint32(second.ID()), "same slot is reused")

	assert.False(t, r.Complete(stale, &Frame{}))
	assert.False(t, second.Resolved())
}

func TestRegistryUnknownID(t *testing.T) {
	r := NewRegistry(4)
	assert.False(t, r.Complete(7, &Frame{}))
	assert.False(t, r.Complete(1<<40|9999, &Frame{}))
	_, ok := r.Release(3)
	assert.False(t, ok)
}

func TestRegistryCancelAll(t *testing.T) {
	const k = 16
	r := NewRegistry(64)
	actions := make([]*Action, 0, k)
	for i := 0; i < k; i++ {
		actions = append(actions, register(t, r))
	}
	cause := errors.New("socket gone")

	assert.Equal(t, k, r.CancelAll(cause))
	assert.Equal(t, 0, r.Pending())

	var first error
	for _, a := range actions {
		<-a.Done()
		require.ErrorIs(t, a.Err(), ErrCancelled)
		require.ErrorIs(t, a.Err(), cause)
		if first == nil {
			first = a.Err()
		}
		assert.Same(t, first, a.Err())
		// a reply arriving after teardown completes nothing
		assert.False(t, r.Complete(a.ID(), &Frame{}))
	}

	_, err := r.Allocate()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, r.CancelAll(cause))
}

func TestRegistryCompleteRacesCancelAll(t *testing.T) {
	const k = 200
	r := NewRegistry(k)
	actions := make([]*Action, 0, k)
	for i := 0; i < k; i++ {
		actions = append(actions, register(t, r))
	}

	var (
		wg        sync.WaitGroup
		completed int
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, a := range actions {
			if r.Complete(a.ID(), &Frame{}) {
				completed++
			}
		}
	}()
	var cancelled int
	go func() {
		defer wg.Done()
		cancelled = r.CancelAll(errors.New("teardown"))
	}()
	wg.Wait()

	assert.Equal(t, k, completed+cancelled)
	for _, a := range actions {
		<-a.Done()
		assert.True(t, (a.Reply() == nil) != (a.Err() == nil), "resolved by exactly one path")
	}
}

func TestActionReset(t *testing.T) {
	r := NewRegistry(4)
	a := register(t, r)

	assert.Error(t, a.Reset(NewFrame(ActionAck, ItemConsumer, 1)))
	assert.Error(t, a.acquire())

	require.True(t, r.Complete(a.ID(), &Frame{}))
	require.NoError(t, a.Reset(NewFrame(ActionAck, ItemConsumer, 1)))
	assert.False(t, a.Resolved())
	assert.Nil(t, a.Reply())
	assert.Equal(t, uint64(0), a.ID())
	assert.NoError(t, a.acquire())
}
