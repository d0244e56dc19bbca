// Package msgbus connects the fusion service to a NATS bus: it decodes
// scan and pose traffic into the ingestion path, answers export requests,
// and publishes extracted meshes.
//
// All bus payloads are CBOR. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2) so the same logical message always produces identical
// bytes; the decoder accepts standard CBOR and ignores unknown fields.
package msgbus

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viam-labs/tsdf-fusion/fusion"
	"github.com/viam-labs/tsdf-fusion/pointcloud"
	"github.com/viam-labs/tsdf-fusion/transform"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("msgbus: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("msgbus: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// ScanMessage carries one point batch. The payload is a binary PCD
// document, which keeps the point data compact and lets any PCD-speaking
// producer publish scans directly.
type ScanMessage struct {
	Frame   string `cbor:"frame"`
	StampNS int64  `cbor:"stamp_ns"`
	PCD     []byte `cbor:"pcd"`
}

// PoseMessage carries one stamped sensor pose. Rotation is a unit
// quaternion in w, x, y, z order.
type PoseMessage struct {
	Frame       string     `cbor:"frame"`
	StampNS     int64      `cbor:"stamp_ns"`
	Rotation    [4]float64 `cbor:"rotation"`
	Translation [3]float64 `cbor:"translation"`
}

// SaveRequest asks the service to export. An empty path selects the
// configured default destination.
type SaveRequest struct {
	Path string `cbor:"path"`
}

// SaveResponse reports the outcome of a SaveRequest.
type SaveResponse struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

// MeshMessage is one extracted surface published after an export.
type MeshMessage struct {
	ID        string       `cbor:"id"`
	Frame     string       `cbor:"frame"`
	StampNS   int64        `cbor:"stamp_ns"`
	Vertices  [][3]float64 `cbor:"vertices"`
	Triangles [][3]int32   `cbor:"triangles"`
}

// EncodeScan wraps a scan into a bus message with a binary PCD payload.
func EncodeScan(scan *pointcloud.Scan) ([]byte, error) {
	var buf bytes.Buffer
	if err := pointcloud.WritePCD(scan.Points, &buf, pointcloud.PCDBinary); err != nil {
		return nil, errors.Wrap(err, "encoding scan payload")
	}
	return Marshal(ScanMessage{
		Frame:   scan.Frame,
		StampNS: scan.Stamp.UnixNano(),
		PCD:     buf.Bytes(),
	})
}

// DecodeScan parses a bus message back into a scan.
func DecodeScan(data []byte) (*pointcloud.Scan, error) {
	var msg ScanMessage
	if err := Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "decoding scan message")
	}
	points, err := pointcloud.ReadPCD(bytes.NewReader(msg.PCD))
	if err != nil {
		return nil, errors.Wrap(err, "decoding scan payload")
	}
	return &pointcloud.Scan{
		Points: points,
		Stamp:  time.Unix(0, msg.StampNS),
		Frame:  msg.Frame,
	}, nil
}

// EncodePose serializes a stamped pose for the pose topic.
func EncodePose(sp transform.Stamped, frame string) ([]byte, error) {
	r, t := sp.Pose.R, sp.Pose.T
	return Marshal(PoseMessage{
		Frame:       frame,
		StampNS:     sp.Stamp.UnixNano(),
		Rotation:    [4]float64{r.Real, r.Imag, r.Jmag, r.Kmag},
		Translation: [3]float64{t.X, t.Y, t.Z},
	})
}

// DecodePose parses a pose topic message into a stamped pose.
func DecodePose(data []byte) (transform.Stamped, error) {
	var msg PoseMessage
	if err := Unmarshal(data, &msg); err != nil {
		return transform.Stamped{}, errors.Wrap(err, "decoding pose message")
	}
	pose := transform.NewPose(
		msg.Rotation[0], msg.Rotation[1], msg.Rotation[2], msg.Rotation[3],
		r3.Vector{X: msg.Translation[0], Y: msg.Translation[1], Z: msg.Translation[2]},
	)
	return transform.Stamped{Pose: pose, Stamp: time.Unix(0, msg.StampNS)}, nil
}

// EncodeMesh serializes an extraction result for the mesh topic.
func EncodeMesh(update *fusion.MeshUpdate) ([]byte, error) {
	msg := MeshMessage{
		ID:        update.ID.String(),
		Frame:     update.Frame,
		StampNS:   update.Stamp.UnixNano(),
		Vertices:  make([][3]float64, len(update.Mesh.Vertices)),
		Triangles: update.Mesh.Triangles,
	}
	for i, v := range update.Mesh.Vertices {
		msg.Vertices[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return Marshal(msg)
}

// DecodeMesh parses a mesh topic message.
func DecodeMesh(data []byte) (*MeshMessage, error) {
	var msg MeshMessage
	if err := Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "decoding mesh message")
	}
	return &msg, nil
}
