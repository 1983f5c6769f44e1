package connectivity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitor_NotifiesOncePerTransition(t *testing.T) {
	m := NewMonitor(false)

	var got []bool
	m.OnChange(func(online bool) { got = append(got, online) })

	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true), "duplicate online must not notify")
	assert.True(t, m.Set(false))
	assert.False(t, m.Set(false))
	assert.True(t, m.Set(true))

	assert.Equal(t, []bool{true, false, true}, got)
	assert.True(t, m.IsOnline())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true)

	calls := 0
	unsubscribe := m.OnChange(func(bool) { calls++ })
	m.Set(false)
	unsubscribe()
	unsubscribe()
	m.Set(true)

	assert.Equal(t, 1, calls)
}

func TestMonitor_ListenersInRegistrationOrder(t *testing.T) {
	m := NewMonitor(false)

	var order []string
	m.OnChange(func(bool) { order = append(order, "first") })
	m.OnChange(func(bool) { order = append(order, "second") })
	m.Set(true)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestMonitor_ConcurrentSet(t *testing.T) {
	m := NewMonitor(false)

	var mu sync.Mutex
	transitions := 0
	m.OnChange(func(bool) {
		mu.Lock()
		transitions++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Set(true)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
}
