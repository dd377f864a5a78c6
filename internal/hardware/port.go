package hardware

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/mcu-studio/internal/config"
)

// Port 串口抽象（真实串口、TCP串口桥、模拟REPL都实现它）
type Port interface {
	io.ReadWriteCloser
}

// PortConfig 串口参数
type PortConfig struct {
	BaudRate     int
	DataBits     byte
	StopBits     byte
	Parity       string
	ReadTimeout  time.Duration
	MockMode     bool
	MockPortName string
}

// NewPortConfig 从全局配置构建串口参数
func NewPortConfig(c config.SerialConfig) *PortConfig {
	return &PortConfig{
		BaudRate:     c.BaudRate,
		DataBits:     byte(c.DataBits),
		StopBits:     byte(c.StopBits),
		Parity:       c.Parity,
		ReadTimeout:  c.ReadTimeout,
		MockMode:     c.MockMode,
		MockPortName: c.MockPortName,
	}
}

// DefaultPortConfig NodeMCU 默认 115200 8N1
func DefaultPortConfig() *PortConfig {
	return &PortConfig{
		BaudRate:     115200,
		DataBits:     8,
		StopBits:     1,
		Parity:       "N",
		ReadTimeout:  100 * time.Millisecond,
		MockPortName: "mock://nodemcu",
	}
}

// Opener 按名称打开端口
type Opener func(name string, cfg *PortConfig) (Port, error)

// NewOpener 返回默认的端口打开函数：
// tcp://host:port 走TCP，模拟端口名走 MockREPL（仅 mock_mode），其余走真实串口
func NewOpener() Opener {
	store := NewMockStore()
	return func(name string, cfg *PortConfig) (Port, error) {
		switch {
		case strings.HasPrefix(name, "tcp://"):
			return openTCPPort(strings.TrimPrefix(name, "tcp://"), cfg)
		case cfg.MockMode && name == cfg.MockPortName:
			return NewMockREPL(WithMockStore(store), WithBanner(mockBanner)), nil
		default:
			return openUART(name, cfg)
		}
	}
}

// openUART 打开物理串口
func openUART(name string, cfg *PortConfig) (Port, error) {
	// 解析校验位
	parity := serial.ParityNone
	switch strings.ToUpper(cfg.Parity) {
	case "O", "ODD":
		parity = serial.ParityOdd
	case "E", "EVEN":
		parity = serial.ParityEven
	}

	stopBits := serial.Stop1
	if cfg.StopBits == 2 {
		stopBits = serial.Stop2
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        cfg.BaudRate,
		Size:        cfg.DataBits,
		Parity:      parity,
		StopBits:    stopBits,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// tcpPort 把TCP连接包装成Port（串口服务器、ser2net等）
type tcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

var _ Port = (*tcpPort)(nil)

func openTCPPort(address string, cfg *PortConfig) (Port, error) {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &tcpPort{conn: conn, readTimeout: timeout}, nil
}

func (t *tcpPort) Read(p []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	n, err := t.conn.Read(p)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, nil // 超时是正常的
	}
	if errors.Is(err, io.EOF) {
		// 对端关闭，与串口的超时EOF区分开
		return n, fmt.Errorf("connection closed by peer: %w", net.ErrClosed)
	}
	return n, err
}

func (t *tcpPort) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *tcpPort) Close() error {
	return t.conn.Close()
}
