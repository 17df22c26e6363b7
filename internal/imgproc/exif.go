package imgproc

import (
	"bytes"
	"encoding/binary"
)

// orientationTag is the TIFF tag holding EXIF orientation (1..8).
const orientationTag = 0x0112

// exifOrientation extracts the orientation value from a JPEG byte
// stream. Returns 1 (upright) when the image carries no usable EXIF
// segment; decoding never fails on malformed metadata.
func exifOrientation(data []byte) int {
	app1 := findAPP1(data)
	if app1 == nil {
		return 1
	}
	return parseTIFFOrientation(app1)
}

// findAPP1 walks JPEG segment markers until the Exif APP1 payload or
// the start-of-scan marker.
func findAPP1(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	offset := 2
	for offset+4 <= len(data) {
		if data[offset] != 0xFF {
			return nil
		}
		marker := data[offset+1]
		if marker == 0xDA { // start of scan, no metadata past this
			return nil
		}
		size := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if size < 2 || offset+2+size > len(data) {
			return nil
		}
		payload := data[offset+4 : offset+2+size]
		if marker == 0xE1 && bytes.HasPrefix(payload, []byte("Exif\x00\x00")) {
			return payload[6:]
		}
		offset += 2 + size
	}
	return nil
}

// parseTIFFOrientation reads IFD0 of a TIFF block and returns the
// orientation tag value, defaulting to 1.
func parseTIFFOrientation(tiff []byte) int {
	if len(tiff) < 8 {
		return 1
	}

	var order binary.ByteOrder
	switch {
	case tiff[0] == 'I' && tiff[1] == 'I':
		order = binary.LittleEndian
	case tiff[0] == 'M' && tiff[1] == 'M':
		order = binary.BigEndian
	default:
		return 1
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return 1
	}

	ifdOffset := order.Uint32(tiff[4:8])
	if int(ifdOffset)+2 > len(tiff) {
		return 1
	}

	count := int(order.Uint16(tiff[ifdOffset : ifdOffset+2]))
	entries := tiff[ifdOffset+2:]
	for i := 0; i < count; i++ {
		base := i * 12
		if base+12 > len(entries) {
			return 1
		}
		entry := entries[base : base+12]
		tag := order.Uint16(entry[0:2])
		if tag != orientationTag {
			continue
		}
		typ := order.Uint16(entry[2:4])
		if typ != 3 { // SHORT
			return 1
		}
		v := int(order.Uint16(entry[8:10]))
		if v < 1 || v > 8 {
			return 1
		}
		return v
	}
	return 1
}
