package device

import (
	"fmt"
	"strings"

	"github.com/wfunc/mcu-studio/internal/errors"
)

// SPIFFS 文件名上限（含结尾的 \0 为 32 字节）
const maxNameLength = 31

// 固件 REPL 单行输入有长度限制，转义后超过该长度的行拆成多次写入
const writeChunkSize = 192

// 读行结果的前缀标记，保证文件中的空行和两字符行不会被当作无结果
const lineMarker = "|"

const (
	stmtClose    = "file.close()"
	stmtReadLine = `_l = file.readline() print(_l and ("|" .. _l) or "")`
	stmtListInit = "_fl = file.list() _fk = nil"
	stmtListNext = `_fk = next(_fl, _fk) print(_fk and (_fk .. "\t" .. _fl[_fk]) or "")`
)

func stmtOpen(name, mode string) string {
	return fmt.Sprintf(`print(file.open("%s", "%s") and "ok" or "")`, Escape(name), mode)
}

func stmtWriteLine(s string) string {
	return fmt.Sprintf(`file.writeline("%s")`, Escape(s))
}

func stmtWrite(s string) string {
	return fmt.Sprintf(`file.write("%s")`, Escape(s))
}

func stmtRemove(name string) string {
	return fmt.Sprintf(`file.remove("%s")`, Escape(name))
}

// Escape 转义为 Lua 双引号字符串内容，结果不含换行
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c == '"':
			b.WriteString(`\"`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20 || c == 0x7f:
			// 固定三位，避免和后面的数字连在一起
			fmt.Fprintf(&b, `\%03d`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ValidateName 校验设备端文件名
func ValidateName(name string) error {
	if name == "" {
		return errors.New(errors.ErrInvalidParam, "文件名不能为空")
	}
	if len(name) > maxNameLength {
		return errors.Newf(errors.ErrInvalidParam, "文件名过长(%d > %d): %s", len(name), maxNameLength, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] == 0x7f {
			return errors.Newf(errors.ErrInvalidParam, "文件名包含控制字符: %q", name)
		}
	}
	return nil
}

// splitChunks 按转义后的长度切分长行
func splitChunks(line string) []string {
	var chunks []string
	start, width := 0, 0
	for i := 0; i < len(line); i++ {
		w := escapedWidth(line[i])
		if width+w > writeChunkSize {
			chunks = append(chunks, line[start:i])
			start, width = i, 0
		}
		width += w
	}
	return append(chunks, line[start:])
}

func escapedWidth(c byte) int {
	switch {
	case c == '\\' || c == '"' || c == '\n' || c == '\r' || c == '\t':
		return 2
	case c < 0x20 || c == 0x7f:
		return 4
	default:
		return 1
	}
}
