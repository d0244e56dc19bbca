package tsdf

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// gridMagic identifies a serialized volume grid stream.
const gridMagic = "TSDF0001"

const (
	gridHeaderLen = 25
	gridVoxelLen  = 32
)

// WriteGrid serializes the volume to w: the magic string, the construction
// parameters, the voxel count, then every allocated voxel as key, distance
// and weight. Voxels are written in sorted key order so the same volume
// state always produces identical bytes.
func (v *Volume) WriteGrid(w io.Writer) error {
	if _, err := io.WriteString(w, gridMagic); err != nil {
		return err
	}
	header := make([]byte, gridHeaderLen)
	binary.LittleEndian.PutUint64(header, math.Float64bits(v.voxelSize))
	binary.LittleEndian.PutUint64(header[8:], math.Float64bits(v.truncDist))
	if v.spaceCarving {
		header[16] = 1
	}
	binary.LittleEndian.PutUint64(header[17:], uint64(len(v.voxels)))
	if _, err := w.Write(header); err != nil {
		return err
	}

	keys := make([]VoxelCoords, 0, len(v.voxels))
	for key := range v.voxels {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.I != b.I {
			return a.I < b.I
		}
		if a.J != b.J {
			return a.J < b.J
		}
		return a.K < b.K
	})

	buf := make([]byte, gridVoxelLen)
	for _, key := range keys {
		vox := v.voxels[key]
		binary.LittleEndian.PutUint64(buf, uint64(key.I))
		binary.LittleEndian.PutUint64(buf[8:], uint64(key.J))
		binary.LittleEndian.PutUint64(buf[16:], uint64(key.K))
		binary.LittleEndian.PutUint32(buf[24:], math.Float32bits(vox.dist))
		binary.LittleEndian.PutUint32(buf[28:], math.Float32bits(vox.weight))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadGrid reconstructs a volume from a stream produced by WriteGrid.
func ReadGrid(r io.Reader) (*Volume, error) {
	magic := make([]byte, len(gridMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "reading grid magic")
	}
	if string(magic) != gridMagic {
		return nil, errors.Errorf("not a volume grid stream, magic %q", string(magic))
	}
	header := make([]byte, gridHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "reading grid header")
	}
	voxelSize := math.Float64frombits(binary.LittleEndian.Uint64(header))
	truncDist := math.Float64frombits(binary.LittleEndian.Uint64(header[8:]))
	spaceCarving := header[16] == 1
	count := binary.LittleEndian.Uint64(header[17:])

	vol, err := NewVolume(voxelSize, truncDist, spaceCarving)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, gridVoxelLen)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrapf(err, "reading voxel %d of %d", i, count)
		}
		key := VoxelCoords{
			I: int64(binary.LittleEndian.Uint64(buf)),
			J: int64(binary.LittleEndian.Uint64(buf[8:])),
			K: int64(binary.LittleEndian.Uint64(buf[16:])),
		}
		vol.voxels[key] = &voxel{
			dist:   math.Float32frombits(binary.LittleEndian.Uint32(buf[24:])),
			weight: math.Float32frombits(binary.LittleEndian.Uint32(buf[28:])),
		}
	}
	return vol, nil
}
