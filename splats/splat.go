// Package splats stores and streams the input point samples ("splats") and
// maintains the blob index the bucketer partitions with.
package splats

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/frustreated/mlsgpu/ply"
)

// Splat is one oriented disk sample of the scanned surface.
type Splat struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	Radius   float32
}

// IsFinite reports whether all seven fields are finite and the radius is
// positive. Non-finite splats are skipped everywhere in the pipeline.
func (s Splat) IsFinite() bool {
	for i := 0; i < 3; i++ {
		if !finite32(s.Position[i]) || !finite32(s.Normal[i]) {
			return false
		}
	}
	return finite32(s.Radius) && s.Radius > 0
}

func finite32(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// fileShift is the number of low bits of a splat id holding the within-file
// offset. The high bits hold the file index.
const fileShift = 40

const offsetMask = (uint64(1) << fileShift) - 1

// MaxFileSplats is the largest number of splats one input file may carry.
const MaxFileSplats = uint64(1) << fileShift

// MakeID builds the stable 64-bit id of a splat.
func MakeID(file int, offset uint64) uint64 {
	return uint64(file)<<fileShift | offset
}

// FileOf extracts the source file index of a splat id.
func FileOf(id uint64) int {
	return int(id >> fileShift)
}

// OffsetOf extracts the within-file offset of a splat id.
func OffsetOf(id uint64) uint64 {
	return id & offsetMask
}

// Range is a half-open range [First, Last) of splat ids.
type Range struct {
	First uint64
	Last  uint64
}

// RawSize is the number of bytes of a packed splat record: position,
// normal, radius as little-endian float32.
const RawSize = 28

// PutRaw packs a splat into buf.
func PutRaw(buf []byte, s Splat) {
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(s.Position[0]))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(s.Position[1]))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(s.Position[2]))
	binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(s.Normal[0]))
	binary.LittleEndian.PutUint32(buf[16:], math.Float32bits(s.Normal[1]))
	binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(s.Normal[2]))
	binary.LittleEndian.PutUint32(buf[24:], math.Float32bits(s.Radius))
}

// GetRaw unpacks a splat from buf.
func GetRaw(buf []byte) Splat {
	return Splat{
		Position: mgl32.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(buf[0:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
		},
		Normal: mgl32.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(buf[12:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[16:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[20:])),
		},
		Radius: math.Float32frombits(binary.LittleEndian.Uint32(buf[24:])),
	}
}

// decode extracts a splat from one raw vertex record using the file's
// property layout.
func decode(record []byte, layout ply.Layout) Splat {
	at := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(record[layout.Offsets[i]:]))
	}
	return Splat{
		Position: mgl32.Vec3{at(0), at(1), at(2)},
		Normal:   mgl32.Vec3{at(3), at(4), at(5)},
		Radius:   at(6),
	}
}
