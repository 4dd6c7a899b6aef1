//go:build linux && (386 || arm || mips || mipsle)

// File: device/v4l2/videodev2_32bit.go
// Author: momentics <momentics@gmail.com>
//
// v4l2_buffer and v4l2_format layouts for 32-bit architectures.

package v4l2

import "unsafe"

var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 68]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 204]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.m) - 52]struct{}{}
)

const (
	vidiocGFmt     = 0xc0cc5604
	vidiocSFmt     = 0xc0cc5605
	vidiocQuerybuf = 0xc0445609
	vidiocQbuf     = 0xc044560f
	vidiocDqbuf    = 0xc0445611
)

// v4l2Buffer has size 68 bytes.
type v4l2Buffer struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	timestamp [2]int32     // offset 20, struct timeval
	timecode  v4l2Timecode // offset 28
	sequence  uint32       // offset 44
	memory    uint32       // offset 48
	m         uint32       // offset 52, union offset/userptr/planes/fd
	length    uint32       // offset 56
	reserved2 uint32       // offset 60
	requestFd int32        // offset 64
}

// v4l2Format has size 204 bytes.
type v4l2Format struct {
	typ uint32
	pix v4l2PixFormat
	_   [152]byte
}

func (b *v4l2Buffer) setUserPtr(p uintptr) { b.m = uint32(p) }
