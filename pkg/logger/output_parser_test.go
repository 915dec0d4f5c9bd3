package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutputLinesShortOutput(t *testing.T) {
	out := "ip -4 addr show eth0\r\n2: eth0: <BROADCAST,MULTICAST,UP>\r\n\r\n    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0\r\n"
	lines := ParseOutputLines(out, 5)

	assert.Equal(t, 3, lines.Total)
	assert.Equal(t, lines.HeadLines, lines.TailLines, "短输出的头尾应相同")
	assert.Equal(t, "ip -4 addr show eth0", lines.HeadLines[0])
}

func TestParseOutputLinesHeadTail(t *testing.T) {
	out := "l1\nl2\nl3\nl4\nl5\nl6"
	lines := ParseOutputLines(out, 2)

	assert.Equal(t, []string{"l1", "l2"}, lines.HeadLines)
	assert.Equal(t, []string{"l5", "l6"}, lines.TailLines)
	assert.Equal(t, "head-lines: [l1 ⟩ l2], tail-lines: [l5 ⟩ l6]", FormatOutputLines(lines))
}

func TestParseOutputLinesEmpty(t *testing.T) {
	lines := ParseOutputLines("\r\n\r\n", 0)
	assert.Zero(t, lines.Total)
	assert.Empty(t, FormatOutputLines(lines))
}
