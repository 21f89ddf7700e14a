package dwarf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strconv"
	"strings"
)

// Frame is a decoded capture: 16-bit grayscale, row major.
type Frame struct {
	Width  int
	Height int
	Pix    []uint16
}

const fitsBlockSize = 2880
const fitsCardSize = 80

// fitsHeader holds the card values the decoder cares about.
type fitsHeader struct {
	values  map[string]any
	dataOff int
}

func (h *fitsHeader) intCard(key string, def int) int {
	if v, ok := h.values[key]; ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func (h *fitsHeader) floatCard(key string, def float64) float64 {
	if v, ok := h.values[key]; ok {
		switch n := v.(type) {
		case int64:
			return float64(n)
		case float64:
			return n
		}
	}
	return def
}

func parseFITSHeader(data []byte) (*fitsHeader, error) {
	header := &fitsHeader{values: make(map[string]any)}
	offset := 0
	for {
		if offset+fitsCardSize > len(data) {
			return nil, fmt.Errorf("header not terminated")
		}
		card := data[offset : offset+fitsCardSize]
		offset += fitsCardSize
		keyword := strings.TrimSpace(string(card[:8]))
		if keyword == "END" {
			break
		}
		if keyword == "" || keyword == "COMMENT" || keyword == "HISTORY" {
			continue
		}
		if card[8] != '=' {
			continue
		}
		raw := string(card[10:])
		// Strip the inline comment.
		if slash := strings.Index(raw, "/"); slash >= 0 {
			raw = raw[:slash]
		}
		if value, ok := parseFITSValue(strings.TrimSpace(raw)); ok {
			header.values[keyword] = value
		}
	}
	// Data starts at the next block boundary.
	header.dataOff = ((offset + fitsBlockSize - 1) / fitsBlockSize) * fitsBlockSize
	return header, nil
}

func parseFITSValue(raw string) (any, bool) {
	if raw == "" {
		return nil, false
	}
	if strings.HasPrefix(raw, "'") {
		return strings.TrimSpace(strings.Trim(raw, "'")), true
	}
	switch raw {
	case "T":
		return true, true
	case "F":
		return false, true
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}
	return nil, false
}

// DecodeFITS decodes the primary HDU of a FITS file into a 16-bit
// frame, applying BSCALE/BZERO and clipping to the uint16 range. Only
// the first image plane is read when the file carries more axes.
func DecodeFITS(data []byte) (*Frame, error) {
	if !bytes.HasPrefix(data, []byte("SIMPLE")) {
		return nil, fmt.Errorf("not a FITS file")
	}
	header, err := parseFITSHeader(data)
	if err != nil {
		return nil, err
	}

	bitpix := header.intCard("BITPIX", 0)
	naxis := header.intCard("NAXIS", 0)
	if naxis < 2 {
		return nil, fmt.Errorf("unsupported NAXIS %d", naxis)
	}
	width := header.intCard("NAXIS1", 0)
	height := header.intCard("NAXIS2", 0)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	bscale := header.floatCard("BSCALE", 1)
	bzero := header.floatCard("BZERO", 0)

	sampleSize := abs(bitpix) / 8
	count := width * height
	need := header.dataOff + count*sampleSize
	if sampleSize == 0 || len(data) < need {
		return nil, fmt.Errorf("truncated data: have %d bytes, need %d", len(data), need)
	}
	raw := data[header.dataOff:need]

	pix := make([]uint16, count)
	for i := 0; i < count; i++ {
		sample := raw[i*sampleSize : (i+1)*sampleSize]
		var value float64
		switch bitpix {
		case 8:
			value = float64(sample[0])
		case 16:
			value = float64(int16(binary.BigEndian.Uint16(sample)))
		case 32:
			value = float64(int32(binary.BigEndian.Uint32(sample)))
		case 64:
			value = float64(int64(binary.BigEndian.Uint64(sample)))
		case -32:
			value = float64(math.Float32frombits(binary.BigEndian.Uint32(sample)))
		case -64:
			value = math.Float64frombits(binary.BigEndian.Uint64(sample))
		default:
			return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
		}
		value = value*bscale + bzero
		if value < 0 {
			value = 0
		} else if value > 65535 {
			value = 65535
		}
		pix[i] = uint16(value)
	}
	return &Frame{Width: width, Height: height, Pix: pix}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// DecodeRaster decodes a JPEG or PNG capture to 16-bit grayscale,
// widening 8-bit sources by a left shift.
func DecodeRaster(data []byte) (*Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	bounds := img.Bounds()
	frame := &Frame{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Pix:    make([]uint16, bounds.Dx()*bounds.Dy()),
	}
	i := 0
	switch src := img.(type) {
	case *image.Gray16:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				frame.Pix[i] = src.Gray16At(x, y).Y
				i++
			}
		}
	case *image.Gray:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				frame.Pix[i] = uint16(src.GrayAt(x, y).Y) << 8
				i++
			}
		}
	default:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				// Rec. 601 luma on the 16-bit channel values.
				luma := (299*float64(r) + 587*float64(g) + 114*float64(b)) / 1000
				frame.Pix[i] = uint16(luma)
				i++
			}
		}
	}
	return frame, nil
}
