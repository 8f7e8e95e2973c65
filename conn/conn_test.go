package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mus65/driverlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLog *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	testLog = l.Sugar()
}

// fakeTransport is an in-memory Transport. Tests script the remote side by
// installing onSend and by calling receive.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	msgFns   []func([]byte)
	closeFns []func(error)
	closed   bool
	sendErr  error

	// onSend, if set, is invoked with every sent message.
	onSend func(msg []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Start() error { return nil }

func (f *fakeTransport) Send(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (f *fakeTransport) OnMessage(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgFns = append(f.msgFns, fn)
}

func (f *fakeTransport) OnClose(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeFns = append(f.closeFns, fn)
}

func (f *fakeTransport) Close(reason error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	fns := f.closeFns
	f.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func (f *fakeTransport) Dispose(ctx context.Context) error {
	f.Close(nil)
	return nil
}

// receive delivers a wire message as if the remote side had sent it.
func (f *fakeTransport) receive(msg string) {
	f.mu.Lock()
	fns := f.msgFns
	f.mu.Unlock()
	for _, fn := range fns {
		fn([]byte(msg))
	}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// testObject records events and close notifications for one guid.
type testObject struct {
	mu      sync.Mutex
	events  []string
	closes  []error
	eventCh chan string
}

func newTestObject() *testObject {
	return &testObject{eventCh: make(chan string, 16)}
}

func (o *testObject) OnEvent(method string, params json.RawMessage) {
	o.mu.Lock()
	o.events = append(o.events, method)
	o.mu.Unlock()
	o.eventCh <- method
}

func (o *testObject) OnClose(reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes = append(o.closes, reason)
}

func (o *testObject) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.closes)
}

func (o *testObject) eventCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func TestCallResponse(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	ft.onSend = func(msg []byte) {
		var m message
		require.NoError(t, json.Unmarshal(msg, &m))
		assert.Equal(t, "page@1", m.GUID)
		assert.Equal(t, "click", m.Method)
		go ft.receive(fmt.Sprintf(`{"id":%d,"result":{"ok":true}}`, m.ID))
	}

	res, err := c.Call(context.Background(), Call{GUID: "page@1", Method: "click"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

func TestOutOfOrderResponses(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	ids := make(chan uint64, 2)
	ft.onSend = func(msg []byte) {
		var m message
		if err := json.Unmarshal(msg, &m); err != nil {
			panic(err)
		}
		ids <- m.ID
	}

	type callOut struct {
		res json.RawMessage
		err error
	}
	firstCh := make(chan callOut, 1)
	secondCh := make(chan callOut, 1)
	go func() {
		res, err := c.Call(context.Background(), Call{Method: "first"})
		firstCh <- callOut{res, err}
	}()
	id1 := <-ids
	go func() {
		res, err := c.Call(context.Background(), Call{Method: "second"})
		secondCh <- callOut{res, err}
	}()
	id2 := <-ids

	// respond to the second call first
	ft.receive(fmt.Sprintf(`{"id":%d,"result":"for-second"}`, id2))
	ft.receive(fmt.Sprintf(`{"id":%d,"result":"for-first"}`, id1))

	first := <-firstCh
	require.NoError(t, first.err)
	assert.JSONEq(t, `"for-first"`, string(first.res))

	second := <-secondCh
	require.NoError(t, second.err)
	assert.JSONEq(t, `"for-second"`, string(second.res))
}

func TestConcurrentCallsEachGetTheirResponse(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	// echo the correlation id back in the result
	ft.onSend = func(msg []byte) {
		var m message
		if err := json.Unmarshal(msg, &m); err != nil {
			panic(err)
		}
		go ft.receive(fmt.Sprintf(`{"id":%d,"result":%d}`, m.ID, m.ID))
	}

	const n = 25
	var wg sync.WaitGroup
	results := make([]json.RawMessage, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Call(context.Background(), Call{Method: "op"})
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.False(t, seen[string(results[i])], "two calls got the same response")
		seen[string(results[i])] = true
	}
}

func TestRemoteError(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	ft.onSend = func(msg []byte) {
		var m message
		if err := json.Unmarshal(msg, &m); err != nil {
			panic(err)
		}
		go ft.receive(fmt.Sprintf(
			`{"id":%d,"error":{"name":"TimeoutError","message":"timed out waiting for selector","stack":"at click"}}`, m.ID))
	}

	_, err := c.Call(context.Background(), Call{Method: "click"})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "TimeoutError", remoteErr.Payload.Name)
	assert.Equal(t, "timed out waiting for selector", remoteErr.Payload.Message)
	assert.ErrorContains(t, err, "TimeoutError: timed out waiting for selector")
}

func TestCallAfterCloseFailsImmediately(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	reason := errors.New("browser crashed")
	c.Close(reason)

	_, err := c.Call(context.Background(), Call{Method: "click"})
	var closedErr *ClosedError
	require.ErrorAs(t, err, &closedErr)
	require.ErrorIs(t, err, reason)
	assert.Zero(t, ft.sentCount(), "no message must go out after close")
}

func TestSendFailureScopedToOneCall(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	ft.sendErr = errors.New("broken wire")
	_, err := c.Call(context.Background(), Call{Method: "click"})
	require.ErrorContains(t, err, "broken wire")

	// the connection as a whole is still usable
	ft.mu.Lock()
	ft.sendErr = nil
	ft.mu.Unlock()
	ft.onSend = func(msg []byte) {
		var m message
		if err := json.Unmarshal(msg, &m); err != nil {
			panic(err)
		}
		go ft.receive(fmt.Sprintf(`{"id":%d,"result":true}`, m.ID))
	}
	res, err := c.Call(context.Background(), Call{Method: "click"})
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res))
}

func TestTransportCloseCascade(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	obj1 := newTestObject()
	obj2 := newTestObject()
	c.Register("browser@1", obj1)
	c.Register("page@1", obj2)

	// three calls that will never get a response
	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Call(context.Background(), Call{Method: "hang"})
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return ft.sentCount() == 3 }, 5*time.Second, time.Millisecond)

	reason := errors.New("driver process exited")
	ft.Close(reason)

	for i := 0; i < 3; i++ {
		select {
		case err := <-errCh:
			var closedErr *ClosedError
			require.ErrorAs(t, err, &closedErr)
			require.ErrorIs(t, err, reason)
		case <-time.After(5 * time.Second):
			t.Fatal("pending call was left hanging after close")
		}
	}

	assert.Equal(t, 1, obj1.closeCount())
	assert.Equal(t, 1, obj2.closeCount())
}

func TestCloseIdempotent(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	obj := newTestObject()
	c.Register("browser@1", obj)

	var hookCalls int
	var mu sync.Mutex
	c.SetOnClose(func(reason error) {
		mu.Lock()
		defer mu.Unlock()
		hookCalls++
	})

	// race a local close against the transport reporting closure
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Close(errors.New("local"))
	}()
	go func() {
		defer wg.Done()
		ft.Close(errors.New("remote"))
	}()
	wg.Wait()

	assert.Equal(t, 1, obj.closeCount())
	mu.Lock()
	assert.Equal(t, 1, hookCalls)
	mu.Unlock()
}

func TestPreCloseHooksRunInOrderBeforeRegistry(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	obj := &hookOrderObject{record: record}
	c.Register("browser@1", obj)
	c.OnPreClose(func(reason error) { record("tree-walk") })
	c.OnPreClose(func(reason error) { record("mark-disconnected") })
	c.SetOnClose(func(reason error) { record("top-level") })

	c.Close(errors.New("gone"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tree-walk", "mark-disconnected", "registry-close", "top-level"}, order)
}

type hookOrderObject struct {
	record func(string)
}

func (o *hookOrderObject) OnEvent(method string, params json.RawMessage) {}

func (o *hookOrderObject) OnClose(reason error) { o.record("registry-close") }

func TestEventDispatch(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	obj := newTestObject()
	c.Register("page@1", obj)

	ft.receive(`{"guid":"page@1","method":"console","params":{"text":"hi"}}`)
	select {
	case method := <-obj.eventCh:
		assert.Equal(t, "console", method)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the event")
	}

	// after unregistering, events for the guid are dropped
	c.Unregister("page@1")
	ft.receive(`{"guid":"page@1","method":"console","params":{}}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, obj.eventCount())
	assert.Zero(t, obj.closeCount())

	// an unregistered object also gets no close notification
	c.Close(nil)
	assert.Zero(t, obj.closeCount())
}

func TestUnknownMessagesDropped(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	// neither of these may panic or close the connection
	ft.receive(`{"id":424242,"result":true}`)
	ft.receive(`{"guid":"nobody@1","method":"event"}`)

	ft.onSend = func(msg []byte) {
		var m message
		if err := json.Unmarshal(msg, &m); err != nil {
			panic(err)
		}
		go ft.receive(fmt.Sprintf(`{"id":%d,"result":true}`, m.ID))
	}
	_, err := c.Call(context.Background(), Call{Method: "still-works"})
	require.NoError(t, err)
}

func TestUndecodableMessageClosesConnection(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	closedCh := make(chan error, 1)
	c.SetOnClose(func(reason error) { closedCh <- reason })

	ft.receive(`{not json`)

	select {
	case reason := <-closedCh:
		var protoErr *transport.ProtocolError
		require.ErrorAs(t, reason, &protoErr)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the connection to close")
	}
}

func TestCallContextCancellation(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, Call{Method: "hang"})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return ft.sentCount() == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not return")
	}

	// a late response for the abandoned id is dropped
	ft.receive(`{"id":1,"result":true}`)
}

func TestRegisterOnClosedConnectionNotifiesImmediately(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	reason := errors.New("already gone")
	c.Close(reason)

	obj := newTestObject()
	c.Register("page@1", obj)
	require.Equal(t, 1, obj.closeCount())
}

func TestMarkRemote(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	assert.False(t, c.IsRemote())
	c.MarkRemote()
	assert.True(t, c.IsRemote())
}

func TestKeepNullsPerCall(t *testing.T) {
	ft := newFakeTransport()
	c := New(testLog, ft)
	require.NoError(t, c.Start())

	ft.onSend = func(msg []byte) {
		var m message
		if err := json.Unmarshal(msg, &m); err != nil {
			panic(err)
		}
		go ft.receive(fmt.Sprintf(`{"id":%d,"result":true}`, m.ID))
	}

	params := map[string]any{"value": nil}
	_, err := c.Call(context.Background(), Call{Method: "set", Params: params})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), Call{Method: "set", Params: params, KeepNulls: true})
	require.NoError(t, err)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.sent, 2)
	assert.NotContains(t, string(ft.sent[0]), "null")
	assert.Contains(t, string(ft.sent[1]), `"value":null`)
}
