//go:build linux

// File: device/v4l2/videodev2.go
// Author: momentics <momentics@gmail.com>
//
// Architecture-independent subset of include/uapi/linux/videodev2.h.

package v4l2

import "unsafe"

const (
	bufTypeVideoCapture = 1
	fieldAny            = 0

	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
)

// v4l2Capability has size 104 bytes.
type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// v4l2PixFormat has size 48 bytes.
type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2RequestBuffers has size 20 bytes.
type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Timecode{}) - 16]struct{}{}
)

const (
	vidiocQuerycap  = 0x80685600
	vidiocReqbufs   = 0xc0145608
	vidiocStreamon  = 0x40045612
	vidiocStreamoff = 0x40045613
)

// setOffset, setUserPtr and setFd write the m union in an endian-safe way.
func (b *v4l2Buffer) setOffset(v uint32) { *(*uint32)(unsafe.Pointer(&b.m)) = v }
func (b *v4l2Buffer) offset() uint32    { return *(*uint32)(unsafe.Pointer(&b.m)) }
func (b *v4l2Buffer) setFd(fd int32)    { *(*int32)(unsafe.Pointer(&b.m)) = fd }
