package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLenientDecoderDropsInvalidBytes(t *testing.T) {
	d := NewLenientDecoder("")
	out := d.Decode([]byte("login\xff\xfe:"))
	assert.Equal(t, "login:", out)
}

func TestLenientDecoderCarriesSplitRune(t *testing.T) {
	d := NewLenientDecoder("utf-8")
	// "é" = 0xC3 0xA9，被拆到两个 chunk
	first := d.Decode([]byte("caf\xc3"))
	second := d.Decode([]byte("\xa9 $ "))
	assert.Equal(t, "caf", first)
	assert.Equal(t, "é $ ", second)
}

func TestLenientDecoderLatin1(t *testing.T) {
	d := NewLenientDecoder("latin1")
	assert.Equal(t, "café", d.Decode([]byte("caf\xe9")))
}

func TestLenientDecoderCarriesSplitGBK(t *testing.T) {
	d := NewLenientDecoder("gbk")
	// "中文" = D6 D0 CE C4，首字节单独到达
	assert.Empty(t, d.Decode([]byte{0xD6}))
	assert.Equal(t, "中文", d.Decode([]byte{0xD0, 0xCE, 0xC4}))
}

func TestLenientDecoderGBKDropsInvalidBytes(t *testing.T) {
	d := NewLenientDecoder("gbk")
	out := d.Decode([]byte{0x81, 0x20, 'o', 'k'})
	assert.NotContains(t, out, "\uFFFD")
	assert.Contains(t, out, "ok")

	// 非法字节之后解码器仍可继续使用
	assert.Equal(t, "中文 $ ", d.Decode([]byte{0xD6, 0xD0, 0xCE, 0xC4, ' ', '$', ' '}))
}

func TestEnsureUTF8BytesPassThrough(t *testing.T) {
	assert.Equal(t, "inet 10.0.0.5/24", EnsureUTF8Bytes([]byte("inet 10.0.0.5/24")))
	assert.Empty(t, EnsureUTF8Bytes(nil))
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer(8)
	_, _ = r.WriteString("abcd")
	assert.Equal(t, "abcd", r.String())
	assert.False(t, r.Truncated())

	_, _ = r.WriteString("efghij")
	assert.Equal(t, "cdefghij", r.String())
	assert.Equal(t, 8, r.Len())
	assert.True(t, r.Truncated())

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.String())
}
