package dwarf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fitsCard(keyword, value string) []byte {
	card := fmt.Sprintf("%-8s= %s", keyword, value)
	return []byte(fmt.Sprintf("%-80s", card))
}

func buildFITS(t *testing.T, cards [][]byte, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, card := range cards {
		buf.Write(card)
	}
	buf.Write([]byte(fmt.Sprintf("%-80s", "END")))
	for buf.Len()%fitsBlockSize != 0 {
		buf.WriteByte(' ')
	}
	buf.Write(data)
	return buf.Bytes()
}

func TestDecodeFITS16BitRoundTrip(t *testing.T) {
	values := []int16{0, 1000, 32767, -5}
	var data bytes.Buffer
	for _, v := range values {
		require.NoError(t, binary.Write(&data, binary.BigEndian, v))
	}

	raw := buildFITS(t, [][]byte{
		fitsCard("SIMPLE", "T"),
		fitsCard("BITPIX", "16"),
		fitsCard("NAXIS", "2"),
		fitsCard("NAXIS1", "2"),
		fitsCard("NAXIS2", "2"),
		fitsCard("BSCALE", "1"),
		fitsCard("BZERO", "0 / data offset"),
	}, data.Bytes())

	frame, err := DecodeFITS(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, frame.Width)
	assert.Equal(t, 2, frame.Height)
	// Negative samples clip to zero.
	assert.Equal(t, []uint16{0, 1000, 32767, 0}, frame.Pix)
}

func TestDecodeFITSAppliesScaleAndZero(t *testing.T) {
	var data bytes.Buffer
	for _, v := range []int16{-32768, 0, 32767, 100} {
		require.NoError(t, binary.Write(&data, binary.BigEndian, v))
	}

	// The usual unsigned-16 convention: BZERO 32768 over signed samples.
	raw := buildFITS(t, [][]byte{
		fitsCard("SIMPLE", "T"),
		fitsCard("BITPIX", "16"),
		fitsCard("NAXIS", "2"),
		fitsCard("NAXIS1", "2"),
		fitsCard("NAXIS2", "2"),
		fitsCard("BZERO", "32768"),
	}, data.Bytes())

	frame, err := DecodeFITS(raw)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 32768, 65535, 32868}, frame.Pix)
}

func TestDecodeFITSRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name  string
		cards [][]byte
	}{
		{"one axis", [][]byte{
			fitsCard("SIMPLE", "T"),
			fitsCard("BITPIX", "16"),
			fitsCard("NAXIS", "1"),
			fitsCard("NAXIS1", "4"),
		}},
		{"zero width", [][]byte{
			fitsCard("SIMPLE", "T"),
			fitsCard("BITPIX", "16"),
			fitsCard("NAXIS", "2"),
			fitsCard("NAXIS1", "0"),
			fitsCard("NAXIS2", "2"),
		}},
		{"odd bitpix", [][]byte{
			fitsCard("SIMPLE", "T"),
			fitsCard("BITPIX", "12"),
			fitsCard("NAXIS", "2"),
			fitsCard("NAXIS1", "2"),
			fitsCard("NAXIS2", "2"),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFITS(buildFITS(t, tc.cards, make([]byte, fitsBlockSize)))
			assert.Error(t, err)
		})
	}

	t.Run("not fits", func(t *testing.T) {
		_, err := DecodeFITS([]byte("JFIF not a fits file"))
		assert.Error(t, err)
	})

	t.Run("truncated data", func(t *testing.T) {
		raw := buildFITS(t, [][]byte{
			fitsCard("SIMPLE", "T"),
			fitsCard("BITPIX", "16"),
			fitsCard("NAXIS", "2"),
			fitsCard("NAXIS1", "100"),
			fitsCard("NAXIS2", "100"),
		}, make([]byte, 10))
		_, err := DecodeFITS(raw)
		assert.Error(t, err)
	})
}

func TestDecodeRasterWidens8Bit(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 10})
	img.SetGray(1, 0, color.Gray{Y: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	frame, err := DecodeRaster(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 2, frame.Width)
	assert.Equal(t, 1, frame.Height)
	assert.Equal(t, []uint16{10 << 8, 255 << 8}, frame.Pix)
}

func TestDecodeRasterRejectsGarbage(t *testing.T) {
	_, err := DecodeRaster([]byte("not an image"))
	assert.Error(t, err)
}
