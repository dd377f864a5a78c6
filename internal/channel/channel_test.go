package channel

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/mcu-studio/internal/errors"
	"github.com/wfunc/mcu-studio/internal/hardware"
)

const mockPort = "mock://nodemcu"

// eventRecorder 记录通道事件
type eventRecorder struct {
	mu         sync.Mutex
	busy       []bool
	connection []bool
	data       []string
	exchanges  []Exchange
}

func (r *eventRecorder) observer() Observer {
	return ObserverFuncs{
		OnConnection: func(open bool) { r.mu.Lock(); r.connection = append(r.connection, open); r.mu.Unlock() },
		OnBusy:       func(busy bool) { r.mu.Lock(); r.busy = append(r.busy, busy); r.mu.Unlock() },
		OnData:       func(d string) { r.mu.Lock(); r.data = append(r.data, d); r.mu.Unlock() },
		OnExchange:   func(ex Exchange) { r.mu.Lock(); r.exchanges = append(r.exchanges, ex); r.mu.Unlock() },
	}
}

func (r *eventRecorder) busyEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.busy...)
}

func (r *eventRecorder) dataText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.data, "")
}

// ChannelTestSuite 命令通道测试套件
type ChannelTestSuite struct {
	suite.Suite
	repl   *hardware.MockREPL
	ch     *Channel
	events *eventRecorder
}

func (s *ChannelTestSuite) open(opts ...hardware.MockOption) {
	s.repl = hardware.NewMockREPL(opts...)
	repl := s.repl
	tr := hardware.NewTransport(hardware.DefaultPortConfig(), nil,
		hardware.WithOpener(func(string, *hardware.PortConfig) (hardware.Port, error) { return repl, nil }),
		hardware.WithLister(func() ([]string, error) { return nil, nil }),
	)
	s.ch = New(tr, testOptions(), nil)
	s.events = &eventRecorder{}
	s.ch.Subscribe(s.events.observer())
	s.Require().NoError(s.ch.Open(mockPort))
}

func (s *ChannelTestSuite) SetupTest() {
	s.open()
}

func (s *ChannelTestSuite) TearDownTest() {
	s.ch.Close()
}

// assertBusyPaired 忙碌事件严格交替且最终空闲
func (s *ChannelTestSuite) assertBusyPaired(wantPairs int) {
	events := s.events.busyEvents()
	s.Require().Len(events, wantPairs*2)
	for i, busy := range events {
		s.Equal(i%2 == 0, busy, "busy event %d", i)
	}
	s.False(s.ch.IsBusy())
}

func (s *ChannelTestSuite) TestExecuteWaitAndRead() {
	resp, err := s.ch.ExecuteWaitAndRead(`print("hello")`)
	s.Require().NoError(err)
	s.Equal("hello\r\n", resp.Text)
	s.Equal(KindData, resp.Kind)
	s.False(resp.NoResult())
	s.False(resp.Partial)
	s.assertBusyPaired(1)
}

func (s *ChannelTestSuite) TestExecuteAndWait() {
	ok, err := s.ch.ExecuteAndWait("x = 1")
	s.Require().NoError(err)
	s.True(ok, "no output is still a result")

	ok, err = s.ch.ExecuteAndWait(`print("")`)
	s.Require().NoError(err)
	s.False(ok, "bare terminator")

	ok, err = s.ch.ExecuteAndWait(`_l = file.readline() print(_l and ("|" .. _l) or "")`)
	s.Require().NoError(err)
	s.False(ok, "sentinel")

	s.assertBusyPaired(3)
}

// 已知边界：固件输出一个字符加 LF 时响应恰为两个字符，被判为无结果
func (s *ChannelTestSuite) TestKnownEdgeCaseTwoCharacterResponse() {
	s.ch.Close()
	s.open(hardware.WithHook(func(line string) (string, bool) {
		if line == "=answer" {
			return "7\n> ", true
		}
		return "", false
	}))

	resp, err := s.ch.ExecuteWaitAndRead("=answer")
	s.Require().NoError(err)
	s.Equal("7\n", resp.Text)
	s.True(resp.NoResult())
}

func (s *ChannelTestSuite) TestRejectsMultiLineCommand() {
	_, err := s.ch.ExecuteAndWait("print(1)\nprint(2)")
	s.True(errors.Is(err, errors.ErrInvalidParam))
	s.Empty(s.repl.History())
	s.assertBusyPaired(1)
}

func (s *ChannelTestSuite) TestExecuteWhenClosed() {
	s.Require().NoError(s.ch.Close())
	_, err := s.ch.ExecuteWaitAndRead("print(1)")
	s.True(errors.Is(err, errors.ErrConnection))
	s.False(s.ch.IsBusy())
}

func (s *ChannelTestSuite) TestConcurrentCallersNeverInterleave() {
	s.ch.Close()
	s.open(hardware.WithDelay(2 * time.Millisecond))

	const workers, perWorker = 6, 5
	var wg sync.WaitGroup
	failures := make(chan string, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				value := w*100 + i
				resp, err := s.ch.ExecuteWaitAndRead(fmt.Sprintf("print(%d)", value))
				if err != nil || resp.Text != fmt.Sprintf("%d\r\n", value) {
					failures <- fmt.Sprintf("%d: %q %v", value, resp.Text, err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(failures)

	for f := range failures {
		s.Fail("mismatched response", f)
	}
	s.Equal(0, s.repl.Overlaps())
	s.Len(s.repl.History(), workers*perWorker)
	s.assertBusyPaired(workers * perWorker)
}

func (s *ChannelTestSuite) TestSilentDeviceTimesOut() {
	s.repl.SetSilent(true)
	start := time.Now()
	resp, err := s.ch.ExecuteWaitAndRead("print(1)")
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrResponseTimeout))
	s.Empty(resp.Text)
	s.Less(time.Since(start), time.Second)
	s.assertBusyPaired(1)
}

func (s *ChannelTestSuite) TestEchoWithoutPromptReturnsPartial() {
	s.ch.Close()
	s.open(hardware.WithHook(func(line string) (string, bool) {
		if line == "node.restart()" {
			return "restarting\r\n", true
		}
		return "", false
	}))

	resp, err := s.ch.ExecuteWaitAndRead("node.restart()")
	s.Require().NoError(err)
	s.True(resp.Partial)
	s.Equal("restarting\r\n", resp.Text)
}

func (s *ChannelTestSuite) TestCloseMidCommandIsConnectionLost() {
	s.ch.SetTimeouts(5*time.Second, 10*time.Second)
	s.repl.SetSilent(true)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ch.ExecuteWaitAndRead("print(1)")
		errCh <- err
	}()

	s.Require().Eventually(func() bool { return len(s.repl.History()) == 1 }, time.Second, time.Millisecond)
	s.Require().NoError(s.ch.Close())

	select {
	case err := <-errCh:
		s.True(errors.Is(err, errors.ErrConnectionLost))
	case <-time.After(2 * time.Second):
		s.FailNow("caller still blocked after close")
	}
	s.assertBusyPaired(1)
}

func (s *ChannelTestSuite) TestDeviceVanishesMidCommand() {
	s.ch.SetTimeouts(5*time.Second, 10*time.Second)
	s.repl.SetSilent(true)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ch.ExecuteAndWait("print(1)")
		errCh <- err
	}()

	s.Require().Eventually(func() bool { return len(s.repl.History()) == 1 }, time.Second, time.Millisecond)
	s.repl.Disconnect()

	select {
	case err := <-errCh:
		s.True(errors.Is(err, errors.ErrConnectionLost))
	case <-time.After(2 * time.Second):
		s.FailNow("caller still blocked after disconnect")
	}
	s.Eventually(func() bool { return !s.ch.IsOpen() }, time.Second, 5*time.Millisecond)
}

func (s *ChannelTestSuite) TestUnsolicitedDataArrived() {
	s.repl.Emit("\r\nwifi connected\r\n")
	s.Eventually(func() bool { return s.events.dataText() == "\r\nwifi connected\r\n" },
		time.Second, 5*time.Millisecond)

	_, err := s.ch.ExecuteWaitAndRead(`print("mine")`)
	s.Require().NoError(err)
	s.NotContains(s.events.dataText(), "mine")
}

// 命令已写出、回显未到时设备输出带提示符的开机信息，不能被当作这条命令的响应
func (s *ChannelTestSuite) TestBannerBeforeEchoStaysUnsolicited() {
	s.ch.Close()
	s.open(hardware.WithDelay(150 * time.Millisecond))
	s.ch.SetTimeouts(500*time.Millisecond, 2*time.Second)

	banner := "\r\nNodeMCU 0.9.6 build\r\n> "
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.repl.Emit(banner)
	}()

	a, err := s.ch.ExecuteWaitAndRead(`print("a")`)
	s.Require().NoError(err)
	s.Equal("a\r\n", a.Text)
	s.False(a.Partial)

	b, err := s.ch.ExecuteWaitAndRead(`print("b")`)
	s.Require().NoError(err)
	s.Equal("b\r\n", b.Text)

	s.Equal(banner, s.events.dataText())
	s.assertBusyPaired(2)
}

func (s *ChannelTestSuite) TestListingStopsAtBareTerminator() {
	s.repl.Store().Put("init.lua", "print(1)\n")
	s.repl.Store().Put("app.lua", "")

	var entries []string
	err := s.ch.Do(func(sess Session) error {
		if _, err := sess.ExecuteWaitAndRead("_fl = file.list() _fk = nil"); err != nil {
			return err
		}
		for {
			resp, err := sess.ExecuteWaitAndRead(`_fk = next(_fl, _fk) print(_fk and (_fk .. "\t" .. _fl[_fk]) or "")`)
			if err != nil {
				return err
			}
			if resp.NoResult() {
				s.Equal("\r\n", resp.Text)
				return nil
			}
			entries = append(entries, strings.TrimSuffix(resp.Text, "\r\n"))
		}
	})
	s.Require().NoError(err)
	s.Equal([]string{"app.lua\t0", "init.lua\t9"}, entries)
	s.assertBusyPaired(1)
}

func (s *ChannelTestSuite) TestDoPanicReleasesGuard() {
	err := s.ch.Do(func(sess Session) error {
		_, _ = sess.ExecuteAndWait("x = 1")
		panic("sequencer bug")
	})
	s.True(errors.Is(err, errors.ErrUnexpectedFault))

	// 锁已释放
	ok, err := s.ch.ExecuteAndWait("x = 2")
	s.Require().NoError(err)
	s.True(ok)
	s.assertBusyPaired(2)
}

func (s *ChannelTestSuite) TestDoPropagatesError() {
	want := errors.New(errors.ErrCommandFailed)
	err := s.ch.Do(func(Session) error { return want })
	s.Equal(want, err)
	s.assertBusyPaired(1)
}

func (s *ChannelTestSuite) TestExchangeCompletedEvents() {
	_, err := s.ch.ExecuteWaitAndRead("print(42)")
	s.Require().NoError(err)

	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.Require().Len(s.events.exchanges, 1)
	ex := s.events.exchanges[0]
	s.Equal("print(42)", ex.Command)
	s.Equal("42\r\n", ex.Response)
	s.NoError(ex.Err)
	s.Equal([]bool{true}, s.events.connection)
}

func (s *ChannelTestSuite) TestObserverPanicDoesNotBreakChannel() {
	s.ch.Subscribe(ObserverFuncs{OnBusy: func(bool) { panic("bad observer") }})
	ok, err := s.ch.ExecuteAndWait("x = 1")
	s.Require().NoError(err)
	s.True(ok)
	s.False(s.ch.IsBusy())
}

func (s *ChannelTestSuite) TestUnsubscribe() {
	other := &eventRecorder{}
	cancel := s.ch.Subscribe(other.observer())
	cancel()
	cancel()
	_, err := s.ch.ExecuteAndWait("x = 1")
	s.Require().NoError(err)
	s.Empty(other.busyEvents())
}

func TestChannelSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func TestSetTimeouts(t *testing.T) {
	tr := hardware.NewTransport(nil, nil)
	ch := New(tr, DefaultOptions(), nil)
	ch.SetTimeouts(time.Second, 3*time.Second)
	q, m := ch.Timeouts()
	assert.Equal(t, time.Second, q)
	assert.Equal(t, 3*time.Second, m)

	ch.SetTimeouts(0, 0)
	q, m = ch.Timeouts()
	require.Equal(t, time.Second, q)
	require.Equal(t, 3*time.Second, m)
}
