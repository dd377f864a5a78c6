package hardware

import (
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/mcu-studio/internal/errors"
)

// mockPort testify 模拟端口
type mockPort struct {
	mock.Mock
}

func (m *mockPort) Read(p []byte) (int, error) {
	args := m.Called(p)
	time.Sleep(time.Millisecond)
	return args.Int(0), args.Error(1)
}

func (m *mockPort) Write(p []byte) (int, error) {
	args := m.Called(p)
	return args.Int(0), args.Error(1)
}

func (m *mockPort) Close() error {
	args := m.Called()
	return args.Error(0)
}

// stateRecorder 记录状态事件
type stateRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func (r *stateRecorder) handle(ev StateEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateEvent(nil), r.events...)
}

func newTestTransport(port Port) *Transport {
	return NewTransport(DefaultPortConfig(), nil,
		WithOpener(func(name string, cfg *PortConfig) (Port, error) { return port, nil }),
		WithLister(func() ([]string, error) { return nil, nil }),
	)
}

func TestListPortsSortsAndAppendsMock(t *testing.T) {
	cfg := DefaultPortConfig()
	cfg.MockMode = true
	tr := NewTransport(cfg, nil, WithLister(func() ([]string, error) {
		return []string{"/dev/ttyUSB1", "/dev/ttyUSB0", "/dev/ttyUSB0", ""}, nil
	}))

	ports, err := tr.ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "mock://nodemcu"}, ports)

	cfg.MockMode = false
	ports, err = tr.ListPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, ports)
}

func TestListPortsEnumerationFailure(t *testing.T) {
	tr := NewTransport(nil, nil, WithLister(func() ([]string, error) {
		return nil, stderrors.New("permission denied")
	}))
	_, err := tr.ListPorts()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPortEnumerate))
}

func TestOpenValidation(t *testing.T) {
	repl := NewMockREPL()
	tr := newTestTransport(repl)

	err := tr.Open("  ")
	assert.True(t, errors.Is(err, errors.ErrConnection))

	require.NoError(t, tr.Open("mock://nodemcu"))
	assert.True(t, tr.IsOpen())
	assert.Equal(t, "mock://nodemcu", tr.PortName())

	// 已打开时再次打开
	err = tr.Open("mock://nodemcu")
	assert.True(t, errors.Is(err, errors.ErrConnection))

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
	assert.Empty(t, tr.PortName())

	// 关闭后再关闭是无操作
	assert.NoError(t, tr.Close())
}

func TestOpenFailureIsConnectionError(t *testing.T) {
	tr := NewTransport(nil, nil, WithOpener(func(name string, cfg *PortConfig) (Port, error) {
		return nil, stderrors.New("open /dev/ttyUSB9: no such file or directory")
	}))
	err := tr.Open("/dev/ttyUSB9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
	assert.False(t, tr.IsOpen())
}

func TestSlowOpenDoesNotBlockQueries(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	repl := NewMockREPL()
	tr := NewTransport(nil, nil, WithOpener(func(name string, cfg *PortConfig) (Port, error) {
		close(entered)
		<-release
		return repl, nil
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Open("tcp://192.0.2.1:23") }()
	<-entered

	queried := make(chan struct{})
	go func() {
		assert.False(t, tr.IsOpen())
		assert.Empty(t, tr.PortName())
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("IsOpen blocked while opener was running")
	}

	// 打开过程中的第二次打开被拒绝
	err := tr.Open("tcp://192.0.2.1:23")
	assert.True(t, errors.Is(err, errors.ErrConnection))

	close(release)
	require.NoError(t, <-errCh)
	assert.True(t, tr.IsOpen())
	assert.Equal(t, "tcp://192.0.2.1:23", tr.PortName())
	require.NoError(t, tr.Close())
}

func TestOpenCloseNotifiesState(t *testing.T) {
	rec := &stateRecorder{}
	tr := newTestTransport(NewMockREPL())
	tr.AddStateHandler(rec.handle)

	require.NoError(t, tr.Open("mock://nodemcu"))
	require.NoError(t, tr.Close())

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, StateEvent{Open: true, Port: "mock://nodemcu"}, events[0])
	assert.Equal(t, StateEvent{Open: false, Port: "mock://nodemcu"}, events[1])
}

func TestReadLoopForwardsData(t *testing.T) {
	repl := NewMockREPL()
	tr := newTestTransport(repl)

	var mu sync.Mutex
	var received string
	tr.SetDataHandler(func(chunk []byte) {
		mu.Lock()
		received += string(chunk)
		mu.Unlock()
	})

	require.NoError(t, tr.Open("mock://nodemcu"))
	defer tr.Close()

	repl.Emit("hello from device\r\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == "hello from device\r\n"
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectClosesTransport(t *testing.T) {
	repl := NewMockREPL()
	rec := &stateRecorder{}
	tr := newTestTransport(repl)
	tr.AddStateHandler(rec.handle)

	require.NoError(t, tr.Open("mock://nodemcu"))
	repl.Disconnect()

	require.Eventually(t, func() bool { return !tr.IsOpen() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	lost := rec.snapshot()[1]
	assert.False(t, lost.Open)
	assert.Equal(t, "mock://nodemcu", lost.Port)
	assert.ErrorContains(t, lost.Cause, "input/output error")
}

func TestWriteWhenClosed(t *testing.T) {
	tr := newTestTransport(NewMockREPL())
	err := tr.Write([]byte("print(1)\r\n"))
	assert.True(t, errors.Is(err, errors.ErrConnection))
}

func TestWriteBrokenPipeIsConnectionLost(t *testing.T) {
	port := &mockPort{}
	port.On("Read", mock.Anything).Return(0, io.EOF).Maybe()
	port.On("Write", mock.Anything).Return(0, stderrors.New("write /dev/ttyUSB0: broken pipe"))
	port.On("Close").Return(nil)

	rec := &stateRecorder{}
	tr := newTestTransport(port)
	tr.AddStateHandler(rec.handle)
	require.NoError(t, tr.Open("/dev/ttyUSB0"))

	err := tr.Write([]byte("print(1)\r\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionLost))
	assert.False(t, tr.IsOpen())

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.NotNil(t, events[1].Cause)
	port.AssertCalled(t, "Close")
}

func TestReadLoopIgnoresEOF(t *testing.T) {
	port := &mockPort{}
	port.On("Read", mock.Anything).Return(0, io.EOF)
	port.On("Close").Return(nil)

	tr := newTestTransport(port)
	require.NoError(t, tr.Open("/dev/ttyUSB0"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, tr.IsOpen())
	require.NoError(t, tr.Close())
}

func TestIsDisconnectError(t *testing.T) {
	assert.True(t, isDisconnectError(stderrors.New("read /dev/ttyACM0: input/output error")))
	assert.True(t, isDisconnectError(stderrors.New("Device not configured")))
	assert.True(t, isDisconnectError(io.ErrClosedPipe))
	assert.False(t, isDisconnectError(io.EOF))
	assert.False(t, isDisconnectError(stderrors.New("i/o timeout")))

	assert.True(t, isTransientError(io.EOF))
	assert.True(t, isTransientError(stderrors.New("read timeout")))
}
