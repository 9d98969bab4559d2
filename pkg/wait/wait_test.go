package wait

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterTrigger(t *testing.T) {
	w := New[uint64, string]()
	ch := w.Register(1)
	require.True(t, w.IsRegistered(1))

	require.True(t, w.Trigger(1, "foo"))
	require.Equal(t, "foo", <-ch)

	_, ok := <-ch
	require.False(t, ok)
	require.False(t, w.IsRegistered(1))
	require.False(t, w.Trigger(1, "bar"))
}

func TestRegisterDupPanic(t *testing.T) {
	w := New[uint64, string]()
	w.Register(1)
	require.Panics(t, func() { w.Register(1) })
}

func TestCancel(t *testing.T) {
	type key struct {
		session string
		seq     uint64
	}
	w := New[key, int]()
	ch := w.Register(key{"a", 7})
	w.Cancel(key{"a", 7})

	v, ok := <-ch
	require.False(t, ok)
	require.Zero(t, v)
	require.Equal(t, 0, w.Len())
	require.False(t, w.Trigger(key{"a", 7}, 1))
}

func TestTriggerAll(t *testing.T) {
	w := New[int, error]()
	chs := []<-chan error{w.Register(1), w.Register(2)}
	w.TriggerAll(nil)
	for _, ch := range chs {
		require.NoError(t, <-ch)
	}
	require.Equal(t, 0, w.Len())
}
