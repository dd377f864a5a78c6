package device

import (
	"sort"
	"strconv"
	"strings"

	"github.com/wfunc/mcu-studio/internal/channel"
	"github.com/wfunc/mcu-studio/internal/errors"
	"github.com/wfunc/mcu-studio/internal/logger"
	"go.uber.org/zap"
)

// Executor 能在一次持锁期间执行多条命令的通道
type Executor interface {
	Do(fn func(s channel.Session) error) error
}

// RemoteFile 设备上的文件
type RemoteFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Sequencer 把通道原语组合成设备文件操作，每个操作在一次 Do 中完成
type Sequencer struct {
	exec       Executor
	maxEntries int
	logger     *zap.Logger
}

// NewSequencer 创建设备操作序列器
func NewSequencer(exec Executor, maxEntries int, log *zap.Logger) *Sequencer {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	if log == nil {
		log = logger.WithModule("device")
	}
	return &Sequencer{exec: exec, maxEntries: maxEntries, logger: log}
}

// ListFiles 列出设备文件，按名称排序；没有文件时返回空列表
func (s *Sequencer) ListFiles() ([]RemoteFile, error) {
	files := []RemoteFile{}
	err := s.exec.Do(func(sess channel.Session) error {
		resp, err := sess.ExecuteWaitAndRead(stmtListInit)
		if err != nil {
			return err
		}
		if isFirmwareError(resp.Text) {
			return errors.Newf(errors.ErrCommandFailed, "枚举文件失败: %s", strings.TrimSpace(resp.Text))
		}

		for {
			resp, err := sess.ExecuteWaitAndRead(stmtListNext)
			if err != nil {
				return err
			}
			if resp.NoResult() {
				return nil
			}
			if len(files) >= s.maxEntries {
				return errors.Newf(errors.ErrCommandFailed, "文件数量超过上限 %d", s.maxEntries)
			}

			file, err := parseEntry(resp.Text)
			if err != nil {
				return err
			}
			files = append(files, file)
		}
	})
	if err != nil {
		s.logger.Warn("列出文件失败", zap.Error(err))
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	s.logger.Debug("列出文件", zap.Int("count", len(files)))
	return files, nil
}

// parseEntry 解析 "name\tsize\r\n"
func parseEntry(text string) (RemoteFile, error) {
	line := strings.TrimRight(text, "\r\n")
	idx := strings.LastIndexByte(line, '\t')
	if idx <= 0 {
		return RemoteFile{}, errors.Newf(errors.ErrCommandFailed, "无法解析文件条目: %q", text)
	}
	size, err := strconv.ParseInt(line[idx+1:], 10, 64)
	if err != nil {
		return RemoteFile{}, errors.Wrapf(err, errors.ErrCommandFailed, "无法解析文件大小: %q", text)
	}
	return RemoteFile{Name: line[:idx], Size: size}, nil
}

// Upload 写入设备文件：删除旧文件，以 w+ 打开，逐行写入，关闭。
// 任意一行写入失败立即关闭文件并返回 ErrCommandFailed。
func (s *Sequencer) Upload(name, content string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	tail := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	err := s.exec.Do(func(sess channel.Session) error {
		// 旧文件不存在时也会成功，结果忽略
		if _, err := sess.ExecuteAndWait(stmtRemove(name)); err != nil {
			return err
		}

		if err := openFile(sess, name, "w+"); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return errors.Newf(errors.ErrCommandFailed, "无法创建文件 %s", name)
			}
			return err
		}

		for i, line := range lines {
			if err := writeLine(sess, line, true); err != nil {
				return s.abortWrite(sess, name, i+1, err)
			}
		}
		if tail != "" {
			if err := writeLine(sess, tail, false); err != nil {
				return s.abortWrite(sess, name, len(lines)+1, err)
			}
		}

		_, err := sess.ExecuteAndWait(stmtClose)
		return err
	})
	if err != nil {
		s.logger.Warn("上传文件失败", zap.String("file", name), zap.Error(err))
		return err
	}

	s.logger.Info("上传文件完成",
		zap.String("file", name),
		zap.Int("bytes", len(content)))
	return nil
}

// writeLine 写一行；长行拆成多次 file.write，最后一段按需带换行
func writeLine(sess channel.Session, line string, newline bool) error {
	chunks := splitChunks(line)
	for i, chunk := range chunks {
		stmt := stmtWrite(chunk)
		if i == len(chunks)-1 && newline {
			stmt = stmtWriteLine(chunk)
		}
		ok, err := sess.ExecuteAndWait(stmt)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New(errors.ErrNoResult)
		}
	}
	return nil
}

func (s *Sequencer) abortWrite(sess channel.Session, name string, lineNo int, cause error) error {
	// 关闭句柄，失败也不覆盖原始错误
	if _, err := sess.ExecuteAndWait(stmtClose); err != nil {
		s.logger.Debug("中止上传时关闭文件失败", zap.Error(err))
	}
	if !errors.Is(cause, errors.ErrNoResult) {
		return cause
	}
	return errors.Newf(errors.ErrCommandFailed, "写入 %s 第%d行失败", name, lineNo)
}

// Download 读取设备文件
func (s *Sequencer) Download(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	var content strings.Builder
	err := s.exec.Do(func(sess channel.Session) error {
		if err := openFile(sess, name, "r"); err != nil {
			return err
		}

		for n := 0; ; n++ {
			if n >= s.maxEntries {
				_, _ = sess.ExecuteAndWait(stmtClose)
				return errors.Newf(errors.ErrCommandFailed, "%s 行数超过上限 %d", name, s.maxEntries)
			}

			resp, err := sess.ExecuteWaitAndRead(stmtReadLine)
			if err != nil {
				_, _ = sess.ExecuteAndWait(stmtClose)
				return err
			}
			if resp.NoResult() {
				break
			}

			line, ok := decodeLine(resp.Text)
			if !ok {
				_, _ = sess.ExecuteAndWait(stmtClose)
				return errors.Newf(errors.ErrCommandFailed, "读取 %s 返回异常: %q", name, resp.Text)
			}
			content.WriteString(line)
		}

		_, err := sess.ExecuteAndWait(stmtClose)
		return err
	})
	if err != nil {
		s.logger.Warn("下载文件失败", zap.String("file", name), zap.Error(err))
		return "", err
	}

	s.logger.Info("下载文件完成",
		zap.String("file", name),
		zap.Int("bytes", content.Len()))
	return content.String(), nil
}

// decodeLine 去掉标记和 print 追加的行结束符，UART 转换的 CRLF 还原成 LF
func decodeLine(text string) (string, bool) {
	if !strings.HasPrefix(text, lineMarker) {
		return "", false
	}
	line := strings.TrimSuffix(text[len(lineMarker):], "\r\n")
	return strings.ReplaceAll(line, "\r\n", "\n"), true
}

// Remove 删除设备文件
func (s *Sequencer) Remove(name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var ok bool
	err := s.exec.Do(func(sess channel.Session) error {
		var err error
		ok, err = sess.ExecuteAndWait(stmtRemove(name))
		return err
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("删除文件", zap.String("file", name), zap.Bool("ok", ok))
	return ok, nil
}

// Run 执行一条任意命令（控制台输入）
func (s *Sequencer) Run(cmd string) (channel.Response, error) {
	var resp channel.Response
	err := s.exec.Do(func(sess channel.Session) error {
		var err error
		resp, err = sess.ExecuteWaitAndRead(cmd)
		return err
	})
	return resp, err
}

// openFile 打开设备文件；固件返回无结果时为 ErrNotFound
func openFile(sess channel.Session, name, mode string) error {
	resp, err := sess.ExecuteWaitAndRead(stmtOpen(name, mode))
	if err != nil {
		return err
	}
	if resp.NoResult() {
		return errors.Newf(errors.ErrNotFound, "文件不存在: %s", name)
	}
	if !strings.HasPrefix(resp.Text, "ok") {
		return errors.Newf(errors.ErrCommandFailed, "打开 %s 失败: %s", name, strings.TrimSpace(resp.Text))
	}
	return nil
}

func isFirmwareError(text string) bool {
	return strings.HasPrefix(text, "stdin:")
}
