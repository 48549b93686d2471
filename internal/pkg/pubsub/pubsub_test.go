package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicDeliversInSubscriptionOrder(t *testing.T) {
	var topic Topic[string]
	var got []string

	topic.Subscribe(func(v string) { got = append(got, "first:"+v) })
	off := topic.Subscribe(func(v string) { got = append(got, "second:"+v) })
	topic.Subscribe(func(v string) { got = append(got, "third:"+v) })

	topic.Publish("a")
	off()
	off()
	topic.Publish("b")

	assert.Equal(t, []string{"first:a", "second:a", "third:a", "first:b", "third:b"}, got)
	assert.Equal(t, 2, topic.Len())
}

func TestTopicAllowsUnsubscribeDuringPublish(t *testing.T) {
	var topic Topic[int]
	calls := 0

	var off func()
	off = topic.Subscribe(func(int) {
		calls++
		off()
	})

	topic.Publish(1)
	topic.Publish(2)

	assert.Equal(t, 1, calls)
	assert.Zero(t, topic.Len())
}
