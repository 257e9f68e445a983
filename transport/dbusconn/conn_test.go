package dbusconn

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/transport"
)

var testObject = transport.ObjectSpec{
	Path:      "/org/gsus/Test",
	Interface: "org.gsus.Test",
	Methods: []transport.MethodSpec{
		{Name: "Add", In: "s", Out: "b"},
		{Name: "List", Out: "as"},
	},
}

func callMessage(sender string, flags dbus.Flags) dbus.Message {
	return dbus.Message{
		Type:    dbus.TypeMethodCall,
		Flags:   flags,
		Headers: map[dbus.HeaderField]dbus.Variant{dbus.FieldSender: dbus.MakeVariant(sender)},
	}
}

// invoke calls a generated method the way godbus does and returns its results.
func invoke(fn any, args ...any) <-chan []reflect.Value {
	params := make([]reflect.Value, len(args))
	for i, a := range args {
		params[i] = reflect.ValueOf(a)
	}
	out := make(chan []reflect.Value, 1)
	go func() { out <- reflect.ValueOf(fn).Call(params) }()
	return out
}

func nextRequest(t *testing.T, c *Conn) *message.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		req, ok, err := c.Next()
		require.NoError(t, err)
		if ok {
			return req
		}
		_, err = c.Wait(ctx, transport.Forever)
		require.NoError(t, err)
	}
}

func TestMethodType(t *testing.T) {
	ft, err := methodType("sas", "b")
	require.NoError(t, err)
	require.Equal(t, 3, ft.NumIn())
	assert.Equal(t, messageType, ft.In(0))
	assert.Equal(t, stringType, ft.In(1))
	assert.Equal(t, stringsType, ft.In(2))
	require.Equal(t, 2, ft.NumOut())
	assert.Equal(t, boolType, ft.Out(0))
	assert.Equal(t, errorType, ft.Out(1))

	_, err = methodType("i", "")
	assert.True(t, errors.Is(err, berr.ErrFormat))
}

func TestMethodTableQueuesAndAnswers(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	table, err := c.methodTable(testObject)
	require.NoError(t, err)
	require.Len(t, table, 2)

	done := invoke(table["Add"], callMessage(":1.42", 0), "file-a")
	req := nextRequest(t, c)
	assert.Equal(t, "Add", req.Method)
	assert.Equal(t, testObject.Path, req.Path)
	assert.Equal(t, testObject.Interface, req.Interface)
	assert.Equal(t, ":1.42", req.Sender)
	assert.False(t, req.NoReply)

	args, err := codec.Decode("s", req.Body)
	require.NoError(t, err)
	assert.Equal(t, "file-a", args[0])

	require.NoError(t, c.SendReply(req.Handle, &message.Reply{Body: codec.MustEncode(true)}))
	out := <-done
	require.Len(t, out, 2)
	assert.Equal(t, true, out[0].Bool())
	assert.True(t, out[1].IsNil())

	// the handle is consumed by the first reply
	assert.True(t, errors.Is(c.SendReply(req.Handle, &message.Reply{}), berr.ErrPeerGone))
}

func TestMethodTableFault(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	table, err := c.methodTable(testObject)
	require.NoError(t, err)

	done := invoke(table["List"], callMessage(":1.7", 0))
	req := nextRequest(t, c)
	fault := message.NewFault(berr.ErrCodeRateLimited, "slow down")
	require.NoError(t, c.SendReply(req.Handle, message.FaultReply(fault)))

	out := <-done
	require.Len(t, out, 2)
	assert.True(t, out[0].IsNil(), "zero []string expected")
	derr := out[1].Interface().(*dbus.Error)
	assert.Equal(t, berr.ErrCodeRateLimited, derr.Name)
	assert.Equal(t, "slow down", derr.Error())
}

func TestMethodTableNoReply(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	table, err := c.methodTable(testObject)
	require.NoError(t, err)

	out := <-invoke(table["Add"], callMessage(":1.9", dbus.FlagNoReplyExpected), "x")
	assert.True(t, out[1].IsNil())

	req := nextRequest(t, c)
	assert.True(t, req.NoReply)
}

func TestMethodTableTimeout(t *testing.T) {
	c := New(nil, nil, WithCallTimeout(20*time.Millisecond))
	defer c.Close()
	table, err := c.methodTable(testObject)
	require.NoError(t, err)

	out := <-invoke(table["Add"], callMessage(":1.3", 0), "x")
	derr := out[1].Interface().(*dbus.Error)
	assert.Equal(t, berr.ErrCodeNoReply, derr.Name)

	// the loop answering late finds the caller gone
	req := nextRequest(t, c)
	assert.True(t, errors.Is(c.SendReply(req.Handle, &message.Reply{Body: codec.MustEncode(true)}), berr.ErrPeerGone))
}

func TestCloseReleasesWaitingCallers(t *testing.T) {
	c := New(nil, nil)
	table, err := c.methodTable(testObject)
	require.NoError(t, err)

	done := invoke(table["Add"], callMessage(":1.5", 0), "x")
	nextRequest(t, c)
	require.NoError(t, c.Close())

	select {
	case out := <-done:
		derr := out[1].Interface().(*dbus.Error)
		assert.Equal(t, berr.ErrCodeFailed, derr.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("caller still parked after Close")
	}

	_, _, err = c.Next()
	assert.True(t, errors.Is(err, berr.ErrTransport))
}

func TestReplyForError(t *testing.T) {
	call := &message.Message{Serial: 3, Destination: "org.gsus"}
	reply, ok := replyFor(call, &dbus.Call{Err: dbus.Error{Name: berr.ErrCodeServiceUnknown, Body: []any{"no owner"}}})
	require.True(t, ok)
	assert.Equal(t, message.TypeError, reply.Type)
	assert.Equal(t, uint32(3), reply.ReplySerial)
	assert.Equal(t, berr.ErrCodeServiceUnknown, reply.ErrorName)

	_, ok = replyFor(call, &dbus.Call{Err: dbus.ErrClosed})
	assert.False(t, ok)

	reply, ok = replyFor(call, &dbus.Call{Body: []any{[]string{"a", "b"}}})
	require.True(t, ok)
	values, err := codec.Decode("as", reply.Body)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, values[0])
}

func TestSignalMessage(t *testing.T) {
	m, ok := signalMessage(&dbus.Signal{Sender: ":1.1", Path: "/org/gsus/Manager", Name: "org.gsus.Manager.Changed", Body: []any{"file-a"}})
	require.True(t, ok)
	assert.Equal(t, "org.gsus.Manager", m.Interface)
	assert.Equal(t, "Changed", m.Member)
	assert.Equal(t, message.TypeSignal, m.Type)

	_, ok = signalMessage(&dbus.Signal{Name: "bad", Body: nil})
	assert.False(t, ok)
}
