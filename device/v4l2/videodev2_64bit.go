//go:build linux && (amd64 || arm64 || riscv64 || ppc64 || ppc64le || loong64 || mips64 || mips64le || s390x)

// File: device/v4l2/videodev2_64bit.go
// Author: momentics <momentics@gmail.com>
//
// v4l2_buffer and v4l2_format layouts for 64-bit architectures.

package v4l2

import "unsafe"

// Compile-time struct size assertions against the kernel ABI.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 88]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.m) - 64]struct{}{}
)

const (
	vidiocGFmt     = 0xc0d05604
	vidiocSFmt     = 0xc0d05605
	vidiocQuerybuf = 0xc0585609
	vidiocQbuf     = 0xc058560f
	vidiocDqbuf    = 0xc0585611
)

// v4l2Buffer has size 88 bytes.
type v4l2Buffer struct {
	index     uint32       // offset 0
	typ       uint32       // offset 4
	bytesused uint32       // offset 8
	flags     uint32       // offset 12
	field     uint32       // offset 16
	_         uint32       // padding
	timestamp [2]int64     // offset 24, struct timeval
	timecode  v4l2Timecode // offset 40
	sequence  uint32       // offset 56
	memory    uint32       // offset 60
	m         uint64       // offset 64, union offset/userptr/planes/fd
	length    uint32       // offset 72
	reserved2 uint32       // offset 76
	requestFd int32        // offset 80
	_         uint32       // padding
}

// v4l2Format has size 208 bytes: the fmt union is 8-byte aligned.
type v4l2Format struct {
	typ uint32
	_   uint32
	pix v4l2PixFormat
	_   [152]byte
}

func (b *v4l2Buffer) setUserPtr(p uintptr) { b.m = uint64(p) }
