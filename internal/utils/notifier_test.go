package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierBroadcastWakesWaiters(t *testing.T) {
	var n Notifier
	changed := n.Changed()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = n.Wait(changed, time.Now().Add(10*time.Second))
		}(i)
	}

	n.Broadcast()
	wg.Wait()
	require.Equal(t, []bool{true, true, true, true}, results)
}

func TestNotifierBroadcastBeforeWait(t *testing.T) {
	var n Notifier
	changed := n.Changed()
	n.Broadcast()

	require.True(t, n.Wait(changed, time.Now().Add(-time.Second)))
}

func TestNotifierTimeout(t *testing.T) {
	var n Notifier
	changed := n.Changed()

	require.False(t, n.Wait(changed, time.Now()))
	require.False(t, n.Wait(changed, time.Now().Add(10*time.Millisecond)))

	// a fresh snapshot is required after a broadcast
	n.Broadcast()
	require.NotEqual(t, changed, n.Changed())
}
