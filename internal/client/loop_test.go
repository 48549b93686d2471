package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopRunsInPostingOrder(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	// work posted from the loop runs after everything queued before it
	assert.True(t, l.Call(func() {
		l.Post(func() { got = append(got, 100) })
	}))
	assert.True(t, l.Call(func() {}))

	want := make([]int, 101)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestLoopRejectsWorkAfterClose(t *testing.T) {
	l := NewLoop()
	l.Close()
	l.Close()

	assert.False(t, l.Post(func() {}))
	assert.False(t, l.Call(func() {}))
}
