package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/protocol"
)

func chunk(s string) protocol.Frame {
	return protocol.Frame{Type: protocol.FrameChunk, Content: s}
}

func status(s string) protocol.Frame {
	return protocol.Frame{Type: protocol.FrameStatus, Message: s}
}

func TestDispatchFiltering(t *testing.T) {
	r := New(zap.NewNop())

	var filtered, all []protocol.FrameType
	r.Subscribe("chat", func(f protocol.Frame) { filtered = append(filtered, f.Type) }, protocol.FrameChunk)
	r.Subscribe("banner", func(f protocol.Frame) { all = append(all, f.Type) })

	r.Dispatch(chunk("hi"))
	r.Dispatch(status("thinking"))

	assert.Equal(t, []protocol.FrameType{protocol.FrameChunk}, filtered)
	assert.Equal(t, []protocol.FrameType{protocol.FrameChunk, protocol.FrameStatus}, all)
}

func TestDispatchUnknownTypePassesThrough(t *testing.T) {
	r := New(nil)

	var got protocol.Frame
	r.Subscribe("projects", func(f protocol.Frame) { got = f }, protocol.FrameData)

	in, err := protocol.DecodeFrame([]byte(`{"type":"data","data":{"projects":[]}}`))
	require.NoError(t, err)
	r.Dispatch(in)

	assert.Equal(t, in.Raw, got.Raw)
}

func TestSubscribeSameIDReplaces(t *testing.T) {
	r := New(zap.NewNop())

	var first, second int
	unsubFirst := r.Subscribe("panel", func(protocol.Frame) { first++ })
	r.Subscribe("panel", func(protocol.Frame) { second++ })

	r.Dispatch(chunk("a"))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, r.Len())

	// The stale unsubscribe must not remove the newer registration.
	unsubFirst()
	assert.Equal(t, 1, r.Len())
	r.Dispatch(chunk("b"))
	assert.Equal(t, 2, second)
}

func TestUnsubscribe(t *testing.T) {
	r := New(zap.NewNop())

	calls := 0
	unsub := r.Subscribe("x", func(protocol.Frame) { calls++ })
	r.Dispatch(chunk("a"))
	unsub()
	unsub()
	r.Dispatch(chunk("b"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Len())

	r.Subscribe("y", func(protocol.Frame) { calls++ })
	r.Unsubscribe("y")
	r.Dispatch(chunk("c"))
	assert.Equal(t, 1, calls)
}

func TestDispatchRegistrationOrder(t *testing.T) {
	r := New(zap.NewNop())

	var order []string
	for _, id := range []string{"a", "b", "c"} {
		id := id
		r.Subscribe(id, func(protocol.Frame) { order = append(order, id) })
	}
	// Re-registering moves the id to the end.
	r.Subscribe("a", func(protocol.Frame) { order = append(order, "a") })

	r.Dispatch(chunk("x"))
	assert.Equal(t, []string{"b", "c", "a"}, order)
}

func TestDispatchIsolatesPanics(t *testing.T) {
	r := New(zap.NewNop())

	var after int
	r.Subscribe("bad", func(protocol.Frame) { panic("boom") })
	r.Subscribe("good", func(protocol.Frame) { after++ })

	assert.NotPanics(t, func() { r.Dispatch(chunk("x")) })
	assert.Equal(t, 1, after)
}

func TestCallbackMayUnsubscribeDuringDispatch(t *testing.T) {
	r := New(zap.NewNop())

	var selfCalls, otherCalls int
	var unsub func()
	unsub = r.Subscribe("once", func(protocol.Frame) {
		selfCalls++
		unsub()
	})
	r.Subscribe("other", func(protocol.Frame) { otherCalls++ })

	r.Dispatch(chunk("1"))
	r.Dispatch(chunk("2"))

	assert.Equal(t, 1, selfCalls)
	assert.Equal(t, 2, otherCalls)
}

func TestCallbackMaySubscribeDuringDispatch(t *testing.T) {
	r := New(zap.NewNop())

	var late int
	r.Subscribe("spawner", func(protocol.Frame) {
		r.Subscribe("late", func(protocol.Frame) { late++ })
	})

	r.Dispatch(chunk("1"))
	// The subscriber added mid-dispatch only sees later frames.
	assert.Equal(t, 0, late)

	r.Dispatch(chunk("2"))
	assert.Equal(t, 1, late)
}
