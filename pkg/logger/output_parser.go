package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 命令输出的头部和尾部行
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
	Total     int      `json:"total"`
}

// ParseOutputLines 提取串口/远程命令输出的头尾各 maxLines 行（空白行忽略）
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}

	// 串口输出以 CRLF 为主，偶有孤立 CR
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "\n")

	lines := make([]string, 0, 16)
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, strings.TrimRight(line, " \t"))
	}

	res := OutputLines{Total: len(lines)}
	if len(lines) == 0 {
		return res
	}

	headCount := min(maxLines, len(lines))
	res.HeadLines = append([]string(nil), lines[:headCount]...)
	if len(lines) <= maxLines {
		res.TailLines = append([]string(nil), res.HeadLines...)
		return res
	}
	res.TailLines = append([]string(nil), lines[len(lines)-maxLines:]...)
	return res
}

// FormatOutputLines 格式化输出行为单行字符串
func FormatOutputLines(lines OutputLines) string {
	var parts []string
	if len(lines.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(lines.HeadLines, " ⟩ ")+"]")
	}
	if len(lines.TailLines) > 0 && !areSlicesEqual(lines.HeadLines, lines.TailLines) {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

func areSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DebugCommandOutput 在 debug 级别记录命令输出的 head/tail-lines
func DebugCommandOutput(command string, output string, maxLines int) {
	if GetLogger().Level < logrus.DebugLevel {
		return
	}
	lines := ParseOutputLines(output, maxLines)
	if lines.Total == 0 {
		return
	}
	WithFields(logrus.Fields{"command": command, "lines": lines.Total}).
		Debugf("Command echo: %s", FormatOutputLines(lines))
}
