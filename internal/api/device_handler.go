package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/mcu-studio/internal/channel"
	"github.com/wfunc/mcu-studio/internal/device"
	"github.com/wfunc/mcu-studio/internal/errors"
	ws "github.com/wfunc/mcu-studio/internal/websocket"
	"go.uber.org/zap"
)

// DeviceHandler 串口与设备文件接口
type DeviceHandler struct {
	ch     *channel.Channel
	seq    *device.Sequencer
	logger *zap.Logger
}

// NewDeviceHandler 创建设备处理器
func NewDeviceHandler(ch *channel.Channel, seq *device.Sequencer, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{ch: ch, seq: seq, logger: logger}
}

// ConnectRequest 打开串口请求
type ConnectRequest struct {
	Port string `json:"port" binding:"required"`
}

// ExecRequest 执行命令请求
type ExecRequest struct {
	Command string `json:"command" binding:"required"`
	Mode    string `json:"mode"` // "read"（默认）或 "wait"
}

// TimeoutsBody 超时设置（毫秒）
type TimeoutsBody struct {
	QuiescenceMs int64 `json:"quiescence_ms"`
	MaxWaitMs    int64 `json:"max_wait_ms"`
}

// UploadRequest 上传文件请求
type UploadRequest struct {
	Content *string `json:"content" binding:"required"`
}

// FileResponse 文件内容
type FileResponse struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

// ListPorts 列出可用串口
func (h *DeviceHandler) ListPorts(c *gin.Context) {
	ports, err := h.ch.ListPorts()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}

// Status 连接状态
func (h *DeviceHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

// Connect 打开串口
func (h *DeviceHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam, "参数错误"))
		return
	}
	if err := h.ch.Open(req.Port); err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("串口已打开", zap.String("port", req.Port))
	c.JSON(http.StatusOK, h.status())
}

// Disconnect 关闭串口
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	if err := h.ch.Close(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.status())
}

// Exec 执行一条命令
func (h *DeviceHandler) Exec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam, "参数错误"))
		return
	}

	if req.Mode == "wait" {
		ok, err := h.ch.ExecuteAndWait(req.Command)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, ws.ResultPayload{Command: req.Command, OK: ok})
		return
	}

	resp, err := h.seq.Run(req.Command)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws.ResultFromResponse(resp))
}

// GetTimeouts 当前超时设置
func (h *DeviceHandler) GetTimeouts(c *gin.Context) {
	c.JSON(http.StatusOK, h.timeouts())
}

// SetTimeouts 调整超时，<=0 的字段保持不变
func (h *DeviceHandler) SetTimeouts(c *gin.Context) {
	var body TimeoutsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam, "参数错误"))
		return
	}
	quiescence := time.Duration(body.QuiescenceMs) * time.Millisecond
	maxWait := time.Duration(body.MaxWaitMs) * time.Millisecond
	cur := h.timeouts()
	q, m := quiescence, maxWait
	if q <= 0 {
		q = time.Duration(cur.QuiescenceMs) * time.Millisecond
	}
	if m <= 0 {
		m = time.Duration(cur.MaxWaitMs) * time.Millisecond
	}
	if m < q {
		respondError(c, errors.Newf(errors.ErrInvalidParam, "max_wait(%v) 小于 quiescence(%v)", m, q))
		return
	}
	h.ch.SetTimeouts(quiescence, maxWait)
	c.JSON(http.StatusOK, h.timeouts())
}

// ListFiles 列出设备文件
func (h *DeviceHandler) ListFiles(c *gin.Context) {
	files, err := h.seq.ListFiles()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// Download 读取设备文件
func (h *DeviceHandler) Download(c *gin.Context) {
	name := c.Param("name")
	content, err := h.seq.Download(name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, FileResponse{Name: name, Content: content, Size: len(content)})
}

// Upload 写入设备文件（覆盖）
func (h *DeviceHandler) Upload(c *gin.Context) {
	name := c.Param("name")
	content, err := readContent(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.seq.Upload(name, content); err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info("文件已上传", zap.String("name", name), zap.Int("size", len(content)))
	c.JSON(http.StatusOK, gin.H{"name": name, "size": len(content)})
}

// readContent JSON 请求取 content 字段，其余按原始文本读取
func readContent(c *gin.Context) (string, error) {
	if c.ContentType() == gin.MIMEJSON {
		var req UploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", errors.Wrap(err, errors.ErrInvalidParam, "参数错误")
		}
		return *req.Content, nil
	}
	data, err := c.GetRawData()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInvalidParam, "读取请求体失败")
	}
	return string(data), nil
}

// Remove 删除设备文件
func (h *DeviceHandler) Remove(c *gin.Context) {
	name := c.Param("name")
	removed, err := h.seq.Remove(name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "removed": removed})
}

func (h *DeviceHandler) status() ws.StatusPayload {
	return ws.StatusPayload{
		Open: h.ch.IsOpen(),
		Port: h.ch.PortName(),
		Busy: h.ch.IsBusy(),
	}
}

func (h *DeviceHandler) timeouts() TimeoutsBody {
	q, m := h.ch.Timeouts()
	return TimeoutsBody{QuiescenceMs: q.Milliseconds(), MaxWaitMs: m.Milliseconds()}
}
