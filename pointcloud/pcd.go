package pointcloud

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

// PCDType is the encoding of the DATA section of a PCD file.
type PCDType int

const (
	// PCDAscii encodes one point per line as decimal text.
	PCDAscii PCDType = 0
	// PCDBinary encodes points as packed little-endian float32 triples.
	PCDBinary PCDType = 1
)

var pcdHeaderFields = []string{
	"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT",
	"WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA",
}

const pcdCommentChar = "#"

// WritePCD serializes points to out as a PCD v.7 document with x, y and z
// fields in meters.
func WritePCD(points []r3.Vector, out io.Writer, outputType PCDType) error {
	var dataType string
	switch outputType {
	case PCDAscii:
		dataType = "ascii"
	case PCDBinary:
		dataType = "binary"
	default:
		return fmt.Errorf("unsupported pcd data type %v", outputType)
	}
	_, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		len(points), 1, len(points), dataType)
	if err != nil {
		return err
	}
	switch outputType {
	case PCDAscii:
		for _, p := range points {
			if _, err := fmt.Fprintf(out, "%f %f %f\n", p.X, p.Y, p.Z); err != nil {
				return err
			}
		}
	case PCDBinary:
		buf := make([]byte, 12)
		for _, p := range points {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
			if _, err := out.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

type pcdHeader struct {
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	if field != name {
		return fmt.Errorf("line is supposed to start with %s but is %s", name, line)
	}
	var err error
	switch name {
	case "VERSION":
		if value != ".7" {
			return fmt.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		if value != "x y z" {
			return fmt.Errorf("unsupported pcd fields %q", value)
		}
	case "SIZE":
		if value != "4 4 4" {
			return fmt.Errorf("unsupported pcd field sizes %q", value)
		}
	case "TYPE":
		if value != "F F F" {
			return fmt.Errorf("unsupported pcd field types %q", value)
		}
	case "COUNT":
		if value != "1 1 1" {
			return fmt.Errorf("unsupported pcd field counts %q", value)
		}
	case "WIDTH":
		if header.width, err = strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		if header.height, err = strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(strings.Fields(value)) != 7 {
			return fmt.Errorf("unexpected number of fields in VIEWPOINT line")
		}
	case "POINTS":
		var points uint64
		if points, err = strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("invalid POINTS field %s", value)
		}
		if points != header.width*header.height {
			return fmt.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", points, header.width*header.height)
		}
		header.points = points
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		default:
			return fmt.Errorf("unsupported pcd data type %s", value)
		}
	}
	return nil
}

// ReadPCD parses a PCD v.7 document carrying x, y and z fields and returns
// its points in file order.
func ReadPCD(inRaw io.Reader) ([]r3.Vector, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading header line %d: %w", headerLineCount, err)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	default:
		return nil, fmt.Errorf("unsupported pcd data type %v", header.data)
	}
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) ([]r3.Vector, error) {
	points := make([]r3.Vector, 0, header.points)
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		tokens := strings.Fields(line)
		if len(tokens) != 3 {
			return nil, fmt.Errorf("unexpected number of fields on point line %d", i)
		}
		var vals [3]float64
		for j, token := range tokens {
			v, err := strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		points = append(points, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
	}
	return points, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) ([]r3.Vector, error) {
	points := make([]r3.Vector, 0, header.points)
	buf := make([]byte, 12)
	for i := 0; i < int(header.points); i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, fmt.Errorf("error reading point %d: %w", i, err)
		}
		x := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		y := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])))
		z := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])))
		points = append(points, r3.Vector{X: x, Y: y, Z: z})
	}
	return points, nil
}
