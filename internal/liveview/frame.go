package liveview

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"

	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
)

const (
	startMarker = "[START]"
	endMarker   = "[END]"
)

// WriteFrame encodes exp onto w:
//
//	[START]\r\n width\r\n height\r\n 1|0\r\n length\r\n <pixels> [END]\r\n
func WriteFrame(w io.Writer, exp *exposure.Exposure) error {
	writer := textproto.NewWriter(bufio.NewWriter(w))

	preview := 0
	if exp.IsPreview() {
		preview = 1
	}
	data := exp.Bytes()
	for _, line := range []string{
		startMarker,
		strconv.Itoa(exp.Width),
		strconv.Itoa(exp.Height),
		strconv.Itoa(preview),
		strconv.Itoa(len(data)),
	} {
		if err := writer.PrintfLine("%s", line); err != nil {
			return fmt.Errorf("failed to write frame header: %w", err)
		}
	}
	if _, err := writer.W.Write(data); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	if err := writer.PrintfLine(endMarker); err != nil {
		return fmt.Errorf("failed to write frame trailer: %w", err)
	}
	return nil
}

// ReadFrame decodes the next frame from r. Lines before the start marker are
// skipped. Any malformed or short frame is reported as ErrProtocolDesync; the
// stream position is undefined afterwards.
func ReadFrame(r *bufio.Reader) (*exposure.Exposure, error) {
	reader := textproto.NewReader(r)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return nil, desync("waiting for start marker", err)
		}
		if line == startMarker {
			break
		}
	}

	var header [4]int
	for i := range header {
		line, err := reader.ReadLine()
		if err != nil {
			return nil, desync("reading header", err)
		}
		v, err := strconv.Atoi(line)
		if err != nil || v < 0 {
			return nil, desync("reading header", fmt.Errorf("bad header line %q", line))
		}
		header[i] = v
	}
	width, height, preview, length := header[0], header[1], header[2], header[3]
	if width > exposure.MaxDimension || height > exposure.MaxDimension {
		return nil, desync("reading header", fmt.Errorf("dimensions %dx%d out of range", width, height))
	}

	enc := exposure.EncodingRaw16
	switch preview {
	case 0:
	case 1:
		enc = exposure.EncodingPreview8
	default:
		return nil, desync("reading header", fmt.Errorf("bad encoding flag %d", preview))
	}
	if length != width*height*enc.BytesPerPixel() {
		return nil, desync("reading header", fmt.Errorf("length %d does not match %dx%d %s", length, width, height, enc))
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, desync("reading payload", err)
	}
	line, err := reader.ReadLine()
	if err != nil {
		return nil, desync("reading end marker", err)
	}
	if line != endMarker {
		return nil, desync("reading end marker", fmt.Errorf("unexpected %q", line))
	}
	return exposure.New(data, width, height, enc, nil)
}

func desync(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", fault.ErrProtocolDesync, stage, err)
}
