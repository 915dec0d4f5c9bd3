package util

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// EnsureUTF8Bytes tries to decode non-UTF-8 bytes using common encodings
// and returns a UTF-8 string. If bytes are already valid UTF-8, it returns
// them as-is. If detection fails, it falls back to direct byte-to-string.
func EnsureUTF8Bytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	// Try common encodings for Chinese/legacy outputs
	encs := []encoding.Encoding{
		simplifiedchinese.GB18030,
		simplifiedchinese.GBK,
		simplifiedchinese.HZGB2312,
		traditionalchinese.Big5,
		charmap.Windows1252,
		charmap.ISO8859_1,
		charmap.Macintosh,
	}
	for _, enc := range encs {
		if s, ok := tryDecode(enc, b); ok {
			return s
		}
	}
	// Fallback: return raw bytes as string
	return string(b)
}

func tryDecode(enc encoding.Encoding, b []byte) (string, bool) {
	reader := transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", false
	}
	if utf8.Valid(decoded) {
		return string(decoded), true
	}
	return "", false
}

// LenientDecoder 把串口字节流增量解码为 UTF-8 文本：非法字节直接丢弃，
// 跨 chunk 截断的多字节字符保留到下一次 Decode。非 UTF-8 字符集用 x/text 解码。
type LenientDecoder struct {
	enc     encoding.Encoding
	dec     *encoding.Decoder
	pending []byte
}

// NewLenientDecoder 按字符集名称创建解码器，未知或空名称按 UTF-8 处理
func NewLenientDecoder(charset string) *LenientDecoder {
	d := &LenientDecoder{enc: lookupCharset(charset)}
	if d.enc != nil {
		d.dec = d.enc.NewDecoder()
	}
	return d
}

func lookupCharset(name string) encoding.Encoding {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	case "gbk":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "big5":
		return traditionalchinese.Big5
	default:
		return nil
	}
}

// Decode 解码一个 chunk
func (d *LenientDecoder) Decode(chunk []byte) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}
	if d.dec != nil {
		return d.decodeCharset(buf)
	}

	cut := incompleteTail(buf)
	if cut < len(buf) {
		d.pending = append([]byte(nil), buf[cut:]...)
		buf = buf[:cut]
	}
	return strings.ToValidUTF8(string(buf), "")
}

// decodeCharset 用持久的 x/text 解码器增量转换；截断的多字节字符留到下一次，
// 非法字节产生的替换字符直接去掉。
func (d *LenientDecoder) decodeCharset(src []byte) string {
	var out []byte
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	for len(src) > 0 {
		nDst, nSrc, err := d.dec.Transform(dst, src, false)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		switch {
		case err == nil:
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			src = nil
		case errors.Is(err, transform.ErrShortDst):
			if nSrc == 0 && nDst == 0 {
				dst = make([]byte, 2*len(dst))
			}
		default:
			d.dec.Reset()
			if len(src) > 0 {
				src = src[1:]
			}
		}
	}
	text := strings.ReplaceAll(string(out), string(utf8.RuneError), "")
	return strings.ToValidUTF8(text, "")
}

// incompleteTail 返回末尾未完成 UTF-8 序列的起始下标；无截断时返回 len(b)
func incompleteTail(b []byte) int {
	// UTF-8 序列最长 4 字节，只需回看 3 个字节
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
