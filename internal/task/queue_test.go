package task

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestQueueOrdersByExpiry(t *testing.T) {
	var q Queue
	for _, e := range []int64{50, 10, 40, 20, 30} {
		q.Add(NewFuture(Once(func() {}), nil, e))
	}
	assert.Equal(t, int64(10), q.Peek().Expire())

	var got []int64
	for q.Len() > 0 {
		got = append(got, q.Next().Expire())
	}
	if diff := cmp.Diff([]int64{10, 20, 30, 40, 50}, got); diff != "" {
		t.Errorf("expiry order mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, q.Next())
	assert.Nil(t, q.Peek())
}

func TestQueuePruneCancelled(t *testing.T) {
	var q Queue
	a := NewFuture(Once(func() {}), nil, 1)
	b := NewFuture(Once(func() {}), nil, 2)
	c := NewFuture(Once(func() {}), nil, 3)
	q.Add(a)
	q.Add(b)
	q.Add(c)

	a.Cancel()
	b.Cancel()
	assert.Equal(t, 2, q.PruneCancelled())
	assert.Same(t, c, q.Peek())

	assert.Equal(t, 1, q.Clear())
	assert.Equal(t, 0, q.Len())
	assert.True(t, c.IsCancelled(), "cleared futures release their waiters")
	assert.True(t, c.WaitTimeout(time.Second))
}
