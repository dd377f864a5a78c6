package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wfunc/mcu-studio/internal/channel"
	"github.com/wfunc/mcu-studio/internal/config"
	"github.com/wfunc/mcu-studio/internal/device"
	"github.com/wfunc/mcu-studio/internal/errors"
	"github.com/wfunc/mcu-studio/internal/hardware"
	"github.com/wfunc/mcu-studio/internal/logger"
	"go.uber.org/zap"
)

const help = `命令:
  :ports                 列出串口
  :open <port>           打开串口
  :close                 关闭串口
  :ls                    列出设备文件
  :cat <name>            显示设备文件
  :get <name> [local]    下载到本地
  :put <local> [name]    上传本地文件
  :rm <name>             删除设备文件
  :timeouts <ms> <ms>    设置静默/最长等待超时
  :help                  帮助
  :quit                  退出
其他输入作为一行 Lua 发送到设备`

// console 交互终端：输入在主循环读取，设备操作在 runner 上执行，结果回到主循环打印
type console struct {
	ch     *channel.Channel
	seq    *device.Sequencer
	runner *channel.Runner
	events chan func()
	log    *zap.Logger
}

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		port       = flag.String("port", "", "串口设备，例如 /dev/ttyUSB0 或 tcp://host:port")
		mock       = flag.Bool("mock", false, "使用模拟REPL")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *mock {
		cfg.Serial.MockMode = true
		if *port == "" {
			*port = cfg.Serial.MockPortName
		}
	}
	// 终端输出留给交互，日志只写文件
	cfg.Log.Output = "file"
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	c := newConsole(cfg)
	defer c.close()

	if *port != "" {
		c.open(*port)
	}
	fmt.Println("MCU Studio 控制台，输入 :help 查看命令")
	c.loop(os.Stdin)
}

func newConsole(cfg *config.Config) *console {
	transport := hardware.NewTransport(hardware.NewPortConfig(cfg.Serial), logger.WithModule("serial"))
	ch := channel.New(transport, channel.OptionsFrom(cfg.Channel), logger.WithModule("channel"))
	events := make(chan func(), 64)

	c := &console{
		ch:     ch,
		seq:    device.NewSequencer(ch, cfg.Device.MaxEntries, logger.WithModule("device")),
		events: events,
		log:    logger.WithModule("console"),
	}
	// 完成回调投递到主循环
	c.runner = channel.NewRunner(cfg.Channel.RunnerQueueSize, func(fn func()) { events <- fn }, c.log)

	ch.Subscribe(channel.ObserverFuncs{
		OnConnection: func(open bool) {
			if !open {
				events <- func() { fmt.Println("\n[串口已断开]") }
			}
		},
		OnData: func(data string) {
			events <- func() { fmt.Print(data) }
		},
	})
	return c
}

func (c *console) loop(in *os.File) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	c.prompt()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.handle(line) {
				return
			}
		case fn := <-c.events:
			fn()
		}
	}
}

func (c *console) prompt() {
	name := "未连接"
	if c.ch.IsOpen() {
		name = c.ch.PortName()
	}
	fmt.Printf("[%s]> ", name)
}

// handle 处理一行输入，返回 false 表示退出
func (c *console) handle(line string) bool {
	if !strings.HasPrefix(line, ":") {
		if line == "" {
			c.prompt()
			return true
		}
		c.submit(func() (interface{}, error) { return c.ch.ExecuteWaitAndRead(line) }, func(v interface{}) {
			resp := v.(channel.Response)
			fmt.Print(resp.Text)
			if resp.Partial {
				fmt.Println("[未等到提示符，输出可能不完整]")
			}
		})
		return true
	}

	args := strings.Fields(line[1:])
	if len(args) == 0 {
		c.prompt()
		return true
	}

	switch args[0] {
	case "quit", "q", "exit":
		return false
	case "help", "h":
		fmt.Println(help)
		c.prompt()
	case "ports":
		c.submit(func() (interface{}, error) { return c.ch.ListPorts() }, func(v interface{}) {
			for _, p := range v.([]string) {
				fmt.Println(p)
			}
		})
	case "open":
		if !need(args, 2) {
			c.prompt()
			break
		}
		c.open(args[1])
		c.prompt()
	case "close":
		if err := c.ch.Close(); err != nil {
			printError(err)
		}
		c.prompt()
	case "ls":
		c.submit(func() (interface{}, error) { return c.seq.ListFiles() }, func(v interface{}) {
			files := v.([]device.RemoteFile)
			for _, f := range files {
				fmt.Printf("%8d  %s\n", f.Size, f.Name)
			}
			fmt.Printf("共 %d 个文件\n", len(files))
		})
	case "cat":
		if !need(args, 2) {
			c.prompt()
			break
		}
		c.submit(func() (interface{}, error) { return c.seq.Download(args[1]) }, func(v interface{}) {
			fmt.Print(v.(string))
		})
	case "get":
		if !need(args, 2) {
			c.prompt()
			break
		}
		local := args[1]
		if len(args) > 2 {
			local = args[2]
		}
		c.submit(func() (interface{}, error) {
			content, err := c.seq.Download(args[1])
			if err != nil {
				return nil, err
			}
			return len(content), os.WriteFile(local, []byte(content), 0o644)
		}, func(v interface{}) {
			fmt.Printf("已保存 %s (%d 字节)\n", local, v.(int))
		})
	case "put":
		if !need(args, 2) {
			c.prompt()
			break
		}
		name := args[1]
		if len(args) > 2 {
			name = args[2]
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			printError(err)
			c.prompt()
			break
		}
		name = baseName(name)
		c.submit(func() (interface{}, error) { return nil, c.seq.Upload(name, string(data)) }, func(interface{}) {
			fmt.Printf("已上传 %s (%d 字节)\n", name, len(data))
		})
	case "rm":
		if !need(args, 2) {
			c.prompt()
			break
		}
		c.submit(func() (interface{}, error) { return c.seq.Remove(args[1]) }, func(v interface{}) {
			if !v.(bool) {
				fmt.Println("设备未返回结果")
			}
		})
	case "timeouts":
		if !need(args, 3) {
			c.prompt()
			break
		}
		q, err1 := strconv.Atoi(args[1])
		m, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			fmt.Println("超时必须是毫秒数")
		} else {
			c.ch.SetTimeouts(time.Duration(q)*time.Millisecond, time.Duration(m)*time.Millisecond)
		}
		c.prompt()
	default:
		fmt.Printf("未知命令 :%s，输入 :help 查看命令\n", args[0])
		c.prompt()
	}
	return true
}

// submit 在 runner 上执行，结果回到主循环；队列满时立即提示
func (c *console) submit(job channel.Job, show func(interface{})) {
	err := c.runner.Submit(job, func(v interface{}, err error) {
		if err != nil {
			printError(err)
		} else {
			show(v)
		}
		c.prompt()
	})
	if err != nil {
		printError(err)
		c.prompt()
	}
}

func (c *console) open(port string) {
	if err := c.ch.Open(port); err != nil {
		printError(err)
		return
	}
	c.log.Info("串口已打开", zap.String("port", port))
}

func (c *console) close() {
	// 关闭串口和排空 runner 时回调仍投递到 events，先起协程消费
	done := make(chan struct{})
	go func() {
		for {
			select {
			case fn := <-c.events:
				fn()
			case <-done:
				return
			}
		}
	}()
	c.ch.Close()
	c.runner.Close()
	close(done)
}

func need(args []string, n int) bool {
	if len(args) < n {
		fmt.Printf("参数不足，输入 :help 查看用法\n")
		return false
	}
	return true
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func printError(err error) {
	if appErr, ok := errors.As(err); ok {
		fmt.Printf("错误[%d] %s\n", appErr.Code, appErr.Error())
		return
	}
	fmt.Printf("错误: %v\n", err)
}
