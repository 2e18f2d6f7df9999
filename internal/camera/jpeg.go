package camera

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// extractJPEGFrame cuts the first complete JPEG out of buffer and advances
// buffer past it. Bytes before the start marker are discarded. It returns nil
// when no complete frame is buffered yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	start := bytes.Index(buf, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF, it may be the first half of a marker.
		if n := len(buf); n > 0 && buf[n-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := bytes.Index(buf[start+2:], jpegEOI)
	if end < 0 {
		if start > 0 {
			*buffer = append(buf[:0], buf[start:]...)
		}
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = append(buf[:0], buf[end:]...)
	return frame
}
