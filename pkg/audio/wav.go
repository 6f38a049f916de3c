package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedWAV is returned by [DecodeWAV] for anything other than
// uncompressed 16-bit PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported wav encoding")

// DecodeWAV reads a RIFF/WAVE stream holding 16-bit PCM. Unknown chunks are
// skipped.
func DecodeWAV(r io.Reader) (*Clip, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("audio: decode wav header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: decode wav: not a RIFF/WAVE stream")
	}

	var (
		format    Format
		haveFmt   bool
		chunkHead [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunkHead[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("audio: decode wav: no data chunk")
			}
			return nil, fmt.Errorf("audio: decode wav chunk: %w", err)
		}
		id := string(chunkHead[0:4])
		size := binary.LittleEndian.Uint32(chunkHead[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("audio: decode wav: fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("audio: decode wav fmt: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if audioFormat != 1 || bits != 16 {
				return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedWAV, audioFormat, bits)
			}
			format = Format{
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
			}
			if format.Channels == 0 || format.SampleRate == 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedWAV, format)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("audio: decode wav: data chunk before fmt chunk")
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("audio: decode wav data: %w", err)
			}
			// Truncated files are common with streamed recordings; keep what
			// arrived, aligned to whole frames.
			n -= n % format.FrameSize()
			return &Clip{Format: format, Data: data[:n]}, nil
		default:
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("audio: decode wav: skip %q chunk: %w", id, err)
			}
		}
		if id == "fmt " && size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, fmt.Errorf("audio: decode wav: %w", err)
			}
		}
	}
}

// EncodeWAV writes c as a canonical 44-byte-header WAV stream.
func EncodeWAV(w io.Writer, c *Clip) error {
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(c.Data)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(c.Format.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(c.Format.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(c.Format.SampleRate*c.Format.FrameSize()))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(c.Format.FrameSize()))
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(c.Data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("audio: encode wav header: %w", err)
	}
	if _, err := w.Write(c.Data); err != nil {
		return fmt.Errorf("audio: encode wav data: %w", err)
	}
	return nil
}
