package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct {
	Seq int
}

type recorder struct {
	got []ping
}

func (r *recorder) OnEvent(sender *Sender[ping], ev ping) {
	r.got = append(r.got, ev)
}

// Removes itself from the sender while handling an event.
type oneShot struct {
	got []ping
}

func (o *oneShot) OnEvent(sender *Sender[ping], ev ping) {
	o.got = append(o.got, ev)
	sender.RemoveListener(o)
}

func TestSenderDispatch(t *testing.T) {
	s := Sender[ping]{}
	a := &recorder{}
	b := &recorder{}
	s.AddListener(a)
	s.AddListener(b)

	s.SendEvent(ping{Seq: 1})
	require.Equal(t, []ping{{Seq: 1}}, a.got)
	require.Equal(t, []ping{{Seq: 1}}, b.got)

	// Adding the same listener again is a no-op, not a double subscription
	s.AddListener(a)
	s.SendEvent(ping{Seq: 2})
	require.Equal(t, []ping{{Seq: 1}, {Seq: 2}}, a.got)

	s.RemoveListener(a)
	s.SendEvent(ping{Seq: 3})
	require.Equal(t, []ping{{Seq: 1}, {Seq: 2}}, a.got)
	require.Equal(t, []ping{{Seq: 1}, {Seq: 2}, {Seq: 3}}, b.got)

	// Removing a listener that was never added returns quietly
	s.RemoveListener(&recorder{})
}

func TestSenderReentrantRemove(t *testing.T) {
	s := Sender[ping]{}
	o := &oneShot{}
	tail := &recorder{}
	s.AddListener(o)
	s.AddListener(tail)

	s.SendEvent(ping{Seq: 1})
	s.SendEvent(ping{Seq: 2})
	require.Equal(t, []ping{{Seq: 1}}, o.got)
	require.Equal(t, []ping{{Seq: 1}, {Seq: 2}}, tail.got)
}
