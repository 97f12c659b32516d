package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenersNotifyInRegistrationOrder(t *testing.T) {
	var l Listeners[int]
	var order []string

	l.Add(func(int) { order = append(order, "first") })
	l.Add(func(int) { order = append(order, "second") })
	l.Add(func(int) { order = append(order, "third") })

	l.Notify(1)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestListenersUnsubscribeStopsDelivery(t *testing.T) {
	var l Listeners[string]
	var got []string

	stop := l.Add(func(v string) { got = append(got, v) })
	l.Notify("a")
	stop()
	l.Notify("b")

	assert.Equal(t, []string{"a"}, got)
	assert.Zero(t, l.Len())

	// A second call is harmless.
	stop()
}

func TestListenersReplayIsSynchronous(t *testing.T) {
	var l Listeners[int]
	var got []int

	l.AddWithReplay(func(v int) { got = append(got, v) }, 42)
	assert.Equal(t, []int{42}, got)

	l.Notify(7)
	assert.Equal(t, []int{42, 7}, got)
}

func TestListenersReentrantUnsubscribe(t *testing.T) {
	var l Listeners[int]
	var stop Unsubscribe
	calls := 0

	stop = l.Add(func(int) {
		calls++
		stop()
	})

	l.Notify(1)
	l.Notify(2)
	assert.Equal(t, 1, calls)
}

func TestCodeOfDefaultsToNetworkError(t *testing.T) {
	assert.Equal(t, CodeNetworkError, CodeOf(assert.AnError))
	assert.Equal(t, CodeTimeout, CodeOf(NewError(CodeTimeout, "slow")))
	assert.True(t, IsCode(APIError("nope", 400), CodeAPIError))
	assert.False(t, IsCode(nil, CodeAPIError))
}
