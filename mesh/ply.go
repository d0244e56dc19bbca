package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// PLYType is the encoding of the body of a PLY file.
type PLYType int

const (
	// PLYAscii encodes vertices and faces as decimal text lines.
	PLYAscii PLYType = 0
	// PLYBinary encodes the body little-endian: float32 vertex triples and
	// uchar-counted int32 index lists.
	PLYBinary PLYType = 1
)

// WritePLY serializes m to out as a PLY document with xyz float vertices
// and triangular faces.
func WritePLY(m *Mesh, out io.Writer, outputType PLYType) error {
	var format string
	switch outputType {
	case PLYAscii:
		format = "ascii 1.0"
	case PLYBinary:
		format = "binary_little_endian 1.0"
	default:
		return fmt.Errorf("unsupported ply output type %v", outputType)
	}
	_, err := fmt.Fprintf(out, "ply\n"+
		"format %s\n"+
		"element vertex %d\n"+
		"property float x\n"+
		"property float y\n"+
		"property float z\n"+
		"element face %d\n"+
		"property list uchar int vertex_indices\n"+
		"end_header\n",
		format, len(m.Vertices), len(m.Triangles))
	if err != nil {
		return err
	}
	switch outputType {
	case PLYAscii:
		for _, v := range m.Vertices {
			if _, err := fmt.Fprintf(out, "%f %f %f\n", v.X, v.Y, v.Z); err != nil {
				return err
			}
		}
		for _, tri := range m.Triangles {
			if _, err := fmt.Fprintf(out, "3 %d %d %d\n", tri[0], tri[1], tri[2]); err != nil {
				return err
			}
		}
	case PLYBinary:
		vbuf := make([]byte, 12)
		for _, v := range m.Vertices {
			binary.LittleEndian.PutUint32(vbuf, math.Float32bits(float32(v.X)))
			binary.LittleEndian.PutUint32(vbuf[4:], math.Float32bits(float32(v.Y)))
			binary.LittleEndian.PutUint32(vbuf[8:], math.Float32bits(float32(v.Z)))
			if _, err := out.Write(vbuf); err != nil {
				return err
			}
		}
		fbuf := make([]byte, 13)
		for _, tri := range m.Triangles {
			fbuf[0] = 3
			binary.LittleEndian.PutUint32(fbuf[1:], uint32(tri[0]))
			binary.LittleEndian.PutUint32(fbuf[5:], uint32(tri[1]))
			binary.LittleEndian.PutUint32(fbuf[9:], uint32(tri[2]))
			if _, err := out.Write(fbuf); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadPLY parses a PLY document written by WritePLY, or any PLY limited to
// xyz float vertices and triangular faces.
func ReadPLY(inRaw io.Reader) (*Mesh, error) {
	in := bufio.NewReader(inRaw)
	var (
		format      string
		vertexCount int64
		faceCount   int64
		current     string
		vertexProps []string
	)
	first := true
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading ply header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "comment") {
			continue
		}
		if first {
			if line != "ply" {
				return nil, fmt.Errorf("not a ply document, starts with %q", line)
			}
			first = false
			continue
		}
		if line == "end_header" {
			break
		}
		tokens := strings.Fields(line)
		switch tokens[0] {
		case "format":
			if len(tokens) < 2 {
				return nil, fmt.Errorf("malformed format line %q", line)
			}
			format = tokens[1]
		case "element":
			if len(tokens) != 3 {
				return nil, fmt.Errorf("malformed element line %q", line)
			}
			current = tokens[1]
			n, err := strconv.ParseInt(tokens[2], 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid element count in %q", line)
			}
			switch current {
			case "vertex":
				vertexCount = n
			case "face":
				faceCount = n
			default:
				return nil, fmt.Errorf("unsupported ply element %s", current)
			}
		case "property":
			if current == "vertex" {
				if len(tokens) != 3 || tokens[1] != "float" {
					return nil, fmt.Errorf("unsupported vertex property %q", line)
				}
				vertexProps = append(vertexProps, tokens[2])
			}
		default:
			return nil, fmt.Errorf("unsupported ply header line %q", line)
		}
	}
	if len(vertexProps) != 3 || vertexProps[0] != "x" || vertexProps[1] != "y" || vertexProps[2] != "z" {
		return nil, fmt.Errorf("ply vertex properties must be x y z, got %v", vertexProps)
	}
	switch format {
	case "ascii":
		return readPLYAscii(in, vertexCount, faceCount)
	case "binary_little_endian":
		return readPLYBinary(in, vertexCount, faceCount)
	default:
		return nil, fmt.Errorf("unsupported ply format %s", format)
	}
}

func readPLYAscii(in *bufio.Reader, vertexCount, faceCount int64) (*Mesh, error) {
	m := &Mesh{
		Vertices:  make([]r3.Vector, 0, vertexCount),
		Triangles: make([][3]int32, 0, faceCount),
	}
	for i := int64(0); i < vertexCount; i++ {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		tokens := strings.Fields(line)
		if len(tokens) != 3 {
			return nil, fmt.Errorf("unexpected number of fields on vertex line %d", i)
		}
		var vals [3]float64
		for j, token := range tokens {
			v, err := strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		m.Vertices = append(m.Vertices, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
	}
	for i := int64(0); i < faceCount; i++ {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		tokens := strings.Fields(line)
		if len(tokens) != 4 || tokens[0] != "3" {
			return nil, fmt.Errorf("face %d is not a triangle", i)
		}
		var tri [3]int32
		for j, token := range tokens[1:] {
			idx, err := strconv.ParseInt(token, 10, 32)
			if err != nil {
				return nil, err
			}
			if idx < 0 || idx >= vertexCount {
				return nil, fmt.Errorf("face %d references vertex %d of %d", i, idx, vertexCount)
			}
			tri[j] = int32(idx)
		}
		m.Triangles = append(m.Triangles, tri)
	}
	return m, nil
}

func readPLYBinary(in *bufio.Reader, vertexCount, faceCount int64) (*Mesh, error) {
	m := &Mesh{
		Vertices:  make([]r3.Vector, 0, vertexCount),
		Triangles: make([][3]int32, 0, faceCount),
	}
	vbuf := make([]byte, 12)
	for i := int64(0); i < vertexCount; i++ {
		if _, err := io.ReadFull(in, vbuf); err != nil {
			return nil, fmt.Errorf("error reading vertex %d: %w", i, err)
		}
		m.Vertices = append(m.Vertices, r3.Vector{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(vbuf))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(vbuf[4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(vbuf[8:]))),
		})
	}
	fbuf := make([]byte, 13)
	for i := int64(0); i < faceCount; i++ {
		if _, err := io.ReadFull(in, fbuf); err != nil {
			return nil, fmt.Errorf("error reading face %d: %w", i, err)
		}
		if fbuf[0] != 3 {
			return nil, fmt.Errorf("face %d is not a triangle", i)
		}
		var tri [3]int32
		for j := 0; j < 3; j++ {
			idx := int32(binary.LittleEndian.Uint32(fbuf[1+4*j:]))
			if idx < 0 || int64(idx) >= vertexCount {
				return nil, fmt.Errorf("face %d references vertex %d of %d", i, idx, vertexCount)
			}
			tri[j] = idx
		}
		m.Triangles = append(m.Triangles, tri)
	}
	return m, nil
}
