package hardware

import (
	"fmt"
	"strings"

	"github.com/wfunc/jutta-brewer/internal/errors"
)

// JUTTA线路编码：每个逻辑字节拆成4个原始字节发送，
// 每个原始字节固定为0x5B，仅第5位和第2位（从最高位数，0起）承载数据。
const (
	FrameSize = 4    // 每个逻辑字节对应的原始字节数
	FrameBase = 0x5B // 原始字节的固定位模式

	frameDataMask = 0x24 // 0b00100100
)

// Frame 线路上的一帧（4个原始字节，对应1个逻辑字节）
type Frame [FrameSize]byte

// scramble 高低半字节交换后再做两位组交换
func scramble(b byte) byte {
	t := (b&0xF0)>>4 | (b&0x0F)<<4
	return (t&0xC0)>>2 | (t&0x30)<<2 | (t&0x0C)>>2 | (t&0x03)<<2
}

// unscramble scramble的逆变换，两次置换均为自逆
func unscramble(t byte) byte {
	b := (t&0xC0)>>2 | (t&0x30)<<2 | (t&0x0C)>>2 | (t&0x03)<<2
	return (b&0xF0)>>4 | (b&0x0F)<<4
}

// Encode 将一个逻辑字节编码为线路帧
func Encode(b byte) Frame {
	t := scramble(b)

	var f Frame
	f[0] = FrameBase | (t&0x80)>>2 | (t&0x40)>>4
	f[1] = FrameBase | (t & 0x20) | (t&0x10)>>2
	f[2] = FrameBase | (t&0x08)<<2 | (t & 0x04)
	f[3] = FrameBase | (t&0x02)<<4 | (t&0x01)<<2
	return f
}

// Decode 将线路帧解码为逻辑字节
func Decode(f Frame) byte {
	var t byte
	t |= (f[0] & 0x20) << 2
	t |= (f[0] & 0x04) << 4
	t |= f[1] & 0x20
	t |= (f[1] & 0x04) << 2
	t |= (f[2] & 0x20) >> 2
	t |= f[2] & 0x04
	t |= (f[3] & 0x20) >> 4
	t |= (f[3] & 0x04) >> 2
	return unscramble(t)
}

// FrameFromBytes 从原始字节构造帧，长度或固定位不符时返回ErrMalformedFrame
func FrameFromBytes(raw []byte) (Frame, error) {
	var f Frame
	if len(raw) != FrameSize {
		return f, errors.Newf(errors.ErrMalformedFrame, "expected %d bytes, got %d", FrameSize, len(raw))
	}
	copy(f[:], raw)
	if !f.Valid() {
		return f, errors.Newf(errors.ErrMalformedFrame, "frame %s does not match base 0x%02X", f, FrameBase)
	}
	return f, nil
}

// Valid 检查帧的固定位是否符合0x5B
func (f Frame) Valid() bool {
	for _, b := range f {
		if b&^frameDataMask != FrameBase&^frameDataMask {
			return false
		}
	}
	return true
}

// String 以十六进制输出帧
func (f Frame) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X", f[0], f[1], f[2], f[3])
}

// VerifyCodec 对0-255全部字节做编解码自检
func VerifyCodec() error {
	for i := 0; i < 256; i++ {
		b := byte(i)
		f := Encode(b)
		if !f.Valid() {
			return errors.Newf(errors.ErrCodecMismatch, "byte 0x%02X encodes to invalid frame %s", b, f)
		}
		if got := Decode(f); got != b {
			return errors.Newf(errors.ErrCodecMismatch, "byte 0x%02X decodes to 0x%02X", b, got)
		}
	}
	return nil
}

// FormatByte 以二进制形式输出字节，便于调试线路数据
func FormatByte(b byte) string {
	return fmt.Sprintf("%08b", b)
}

// FormatPrintable 将解码后的数据转换为可读文本，控制字符转义
func FormatPrintable(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		switch {
		case b == '\r':
			sb.WriteString(`\r`)
		case b == '\n':
			sb.WriteString(`\n`)
		case b < 0x20 || b > 0x7E:
			fmt.Fprintf(&sb, `\x%02X`, b)
		default:
			sb.WriteByte(b)
		}
	}
	return sb.String()
}
