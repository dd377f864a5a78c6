package websocket

import (
	"encoding/json"

	"github.com/wfunc/mcu-studio/internal/channel"
	"github.com/wfunc/mcu-studio/internal/errors"
	"go.uber.org/zap"
)

// Device 控制台使用的通道能力（*channel.Channel 满足）
type Device interface {
	ExecuteAndWait(cmd string) (bool, error)
	ExecuteWaitAndRead(cmd string) (channel.Response, error)
	IsOpen() bool
	PortName() string
	IsBusy() bool
}

// ExecRequest exec 消息的数据
type ExecRequest struct {
	Command string `json:"command"`
	Mode    string `json:"mode"` // "read"（默认）或 "wait"
}

// ResultPayload 命令执行结果
type ResultPayload struct {
	Command   string           `json:"command"`
	OK        bool             `json:"ok"`
	Text      string           `json:"text"`
	Kind      string           `json:"kind"`
	Partial   bool             `json:"partial"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Error     *errors.AppError `json:"error,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// WithError 附加错误，并标明调用方能否重新发起
func (p ResultPayload) WithError(err error) ResultPayload {
	p.Error = apiError(err)
	p.Retryable = errors.IsRetryable(err)
	return p
}

// StatusPayload 连接状态
type StatusPayload struct {
	Open bool   `json:"open"`
	Port string `json:"port"`
	Busy bool   `json:"busy"`
}

// ExchangePayload 交换记录推送
type ExchangePayload struct {
	Command   string           `json:"command"`
	Response  string           `json:"response"`
	Kind      string           `json:"kind"`
	Partial   bool             `json:"partial"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Error     *errors.AppError `json:"error,omitempty"`
}

// ConsoleHandler 处理控制台客户端的 exec/status 请求
type ConsoleHandler struct {
	device Device
	runner *channel.Runner
	logger *zap.Logger
}

// NewConsoleHandler 创建控制台消息处理器；命令在 runner 的工作协程上执行
func NewConsoleHandler(device Device, runner *channel.Runner, logger *zap.Logger) *ConsoleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleHandler{device: device, runner: runner, logger: logger}
}

// HandleClientMessage 实现 MessageHandler
func (h *ConsoleHandler) HandleClientMessage(client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeStatus:
		client.SendMessage(MessageTypeStatus, msg.ID, h.status())

	case MessageTypeExec:
		var req ExecRequest
		if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &req) != nil {
			h.reply(client, msg.ID, ResultPayload{}.WithError(errors.New(errors.ErrMessageFormat, "exec 需要 command 字段")))
			return
		}
		h.exec(client, msg.ID, req)

	default:
		client.sendError(msg.ID, "不支持的消息类型: "+msg.Type)
	}
}

func (h *ConsoleHandler) exec(client *Client, id string, req ExecRequest) {
	if req.Command == "" {
		h.reply(client, id, ResultPayload{}.WithError(errors.New(errors.ErrInvalidParam, "命令不能为空")))
		return
	}

	job := func() (interface{}, error) {
		if req.Mode == "wait" {
			ok, err := h.device.ExecuteAndWait(req.Command)
			return ResultPayload{Command: req.Command, OK: ok}, err
		}
		resp, err := h.device.ExecuteWaitAndRead(req.Command)
		return ResultFromResponse(resp), err
	}

	err := h.runner.Submit(job, func(result interface{}, err error) {
		payload, _ := result.(ResultPayload)
		payload.Command = req.Command
		if err != nil {
			payload = payload.WithError(err)
		}
		h.reply(client, id, payload)
	})
	if err != nil {
		h.logger.Warn("提交命令失败", zap.String("client_id", client.ID), zap.Error(err))
		h.reply(client, id, ResultPayload{Command: req.Command}.WithError(err))
	}
}

func (h *ConsoleHandler) reply(client *Client, id string, payload ResultPayload) {
	if err := client.SendMessage(MessageTypeResult, id, payload); err != nil {
		h.logger.Debug("结果未送达", zap.String("client_id", client.ID), zap.Error(err))
	}
}

func (h *ConsoleHandler) status() StatusPayload {
	return StatusPayload{
		Open: h.device.IsOpen(),
		Port: h.device.PortName(),
		Busy: h.device.IsBusy(),
	}
}

// ResultFromResponse 响应转为结果
func ResultFromResponse(resp channel.Response) ResultPayload {
	return ResultPayload{
		Command:   resp.Command,
		OK:        !resp.NoResult(),
		Text:      resp.Text,
		Kind:      resp.Kind.String(),
		Partial:   resp.Partial,
		ElapsedMs: resp.Elapsed.Milliseconds(),
	}
}

// NewEventBridge 把通道事件广播给所有控制台客户端
func NewEventBridge(hub *Hub, device Device) channel.Observer {
	return channel.ObserverFuncs{
		OnConnection: func(open bool) {
			hub.Broadcast(NewMessage(MessageTypeConnection, StatusPayload{
				Open: open,
				Port: device.PortName(),
				Busy: device.IsBusy(),
			}))
		},
		OnBusy: func(busy bool) {
			hub.Broadcast(NewMessage(MessageTypeBusy, map[string]bool{"busy": busy}))
		},
		OnData: func(data string) {
			hub.Broadcast(NewMessage(MessageTypeData, map[string]string{"text": data}))
		},
		OnExchange: func(ex channel.Exchange) {
			payload := ExchangePayload{
				Command:   ex.Command,
				Response:  ex.Response,
				Kind:      ex.Kind.String(),
				Partial:   ex.Partial,
				ElapsedMs: ex.Duration.Milliseconds(),
			}
			if ex.Err != nil {
				payload.Error = apiError(ex.Err)
			}
			hub.Broadcast(NewMessage(MessageTypeExchange, payload))
		},
	}
}

// apiError 对外输出的错误，不带调用栈
func apiError(err error) *errors.AppError {
	appErr := errors.FromError(err)
	if appErr == nil {
		return nil
	}
	out := *appErr
	out.Stack = nil
	return &out
}
