package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/wfunc/mcu-studio/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Device    DeviceConfig    `mapstructure:"device"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AuthToken       string        `mapstructure:"auth_token"` // 非空时 /api/v1 与 /ws 需要携带令牌
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	SendBufferSize  int           `mapstructure:"send_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Port                 string        `mapstructure:"port"`      // 启动时自动打开的端口，空则等待客户端选择
	MockMode             bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟REPL）
	MockPortName         string        `mapstructure:"mock_port_name"`
	BaudRate             int           `mapstructure:"baud_rate"`
	DataBits             int           `mapstructure:"data_bits"`
	StopBits             int           `mapstructure:"stop_bits"`
	Parity               string        `mapstructure:"parity"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval"`
}

// ChannelConfig 命令通道配置
type ChannelConfig struct {
	LineEnding        string        `mapstructure:"line_ending"`
	Prompts           []string      `mapstructure:"prompts"`
	ErrorSentinel     string        `mapstructure:"error_sentinel"`
	QuiescenceTimeout time.Duration `mapstructure:"quiescence_timeout"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	RunnerQueueSize   int           `mapstructure:"runner_queue_size"`
	ExpectEcho        *bool         `mapstructure:"expect_echo"` // 未设置时为 true
}

// DeviceConfig 设备操作配置
type DeviceConfig struct {
	MaxEntries int `mapstructure:"max_entries"` // 列表/读取循环的上限
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Address 返回HTTP监听地址
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化全局配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		var loaded *Config
		v, loaded, err = load(configPath)
		if err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 读取配置但不修改全局实例（工具和测试使用）
func Load(configPath string) (*Config, error) {
	_, c, err := load(configPath)
	return c, err
}

func load(configPath string) (*viper.Viper, *Config, error) {
	vp := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		vp.SetConfigFile(configPath)
	} else {
		vp.SetConfigName("config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath("./config")
		vp.AddConfigPath(".")
	}

	// 设置环境变量前缀
	vp.SetEnvPrefix("MCU_STUDIO")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	if err := vp.ReadInConfig(); err != nil {
		// 如果配置文件不存在，使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, errors.Wrap(err, errors.ErrConfigLoad)
		}
	}

	c := &Config{}
	if err := vp.Unmarshal(c); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrConfigParse)
	}

	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	return vp, c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.auth_token", "")

	// WebSocket默认配置
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 64*1024)
	v.SetDefault("websocket.send_buffer_size", 256)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	// 串口默认配置（NodeMCU 默认 115200 8N1）
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.mock_port_name", "mock://nodemcu")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.read_timeout", "100ms")
	v.SetDefault("serial.auto_reconnect", false)
	v.SetDefault("serial.reconnect_interval", "2s")
	v.SetDefault("serial.reconnect_max_interval", "30s")

	// 命令通道默认配置
	v.SetDefault("channel.line_ending", "\r\n")
	v.SetDefault("channel.prompts", []string{"> ", ">> "})
	v.SetDefault("channel.error_sentinel", "stdin:1: open a file first\r\n")
	v.SetDefault("channel.quiescence_timeout", "500ms")
	v.SetDefault("channel.max_wait", "10s")
	v.SetDefault("channel.runner_queue_size", 32)
	v.SetDefault("channel.expect_echo", true)

	v.SetDefault("device.max_entries", 100000)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "mcu-studio.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 14)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch {
	case c.Serial.BaudRate <= 0:
		return errors.Newf(errors.ErrConfigValidate, "serial.baud_rate 必须大于0: %d", c.Serial.BaudRate)
	case c.Channel.LineEnding == "":
		return errors.New(errors.ErrConfigValidate, "channel.line_ending 不能为空")
	case len(c.Channel.Prompts) == 0:
		return errors.New(errors.ErrConfigValidate, "channel.prompts 不能为空")
	case c.Channel.QuiescenceTimeout <= 0:
		return errors.Newf(errors.ErrConfigValidate, "channel.quiescence_timeout 必须大于0: %v", c.Channel.QuiescenceTimeout)
	case c.Channel.MaxWait < c.Channel.QuiescenceTimeout:
		return errors.Newf(errors.ErrConfigValidate, "channel.max_wait(%v) 小于 quiescence_timeout(%v)",
			c.Channel.MaxWait, c.Channel.QuiescenceTimeout)
	case c.Channel.RunnerQueueSize <= 0:
		return errors.New(errors.ErrConfigValidate, "channel.runner_queue_size 必须大于0")
	case c.Device.MaxEntries <= 0:
		return errors.New(errors.ErrConfigValidate, "device.max_entries 必须大于0")
	}
	for _, p := range c.Channel.Prompts {
		if p == "" {
			return errors.New(errors.ErrConfigValidate, "channel.prompts 包含空提示符")
		}
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载被拒绝: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}

		fmt.Printf("配置已重新加载: %s\n", e.Name)
	})
	v.WatchConfig()
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
