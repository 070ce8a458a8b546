package otoplayer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// wavFormat holds WAV file format information.
type wavFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// parseWAV returns the format and PCM data of a RIFF/WAVE file.
func parseWAV(data []byte) (wavFormat, []byte, error) {
	var format wavFormat
	r := bytes.NewReader(data)

	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return format, nil, fmt.Errorf("read header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return format, nil, errors.New("not a RIFF/WAVE file")
	}

	var gotFmt bool
	for {
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return format, nil, errors.New("no data chunk")
			}
			return format, nil, fmt.Errorf("read chunk id: %w", err)
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return format, nil, fmt.Errorf("read chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if size < 16 {
				return format, nil, errors.New("short fmt chunk")
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return format, nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 {
				return format, nil, fmt.Errorf("unsupported encoding %d (want PCM)", f.AudioFormat)
			}
			format = wavFormat{SampleRate: int(f.SampleRate), Channels: int(f.Channels), BitDepth: int(f.BitsPerSample)}
			if _, err := r.Seek(int64(size-16), io.SeekCurrent); err != nil {
				return format, nil, err
			}
			gotFmt = true
		case "data":
			if !gotFmt {
				return format, nil, errors.New("data chunk before fmt chunk")
			}
			if format.BitDepth != 16 {
				return format, nil, fmt.Errorf("unsupported bit depth %d", format.BitDepth)
			}
			pcm := make([]byte, size)
			n, err := io.ReadFull(r, pcm)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return format, nil, fmt.Errorf("read data chunk: %w", err)
			}
			return format, pcm[:n], nil
		default:
			// Chunks are word aligned.
			skip := int64(size) + int64(size%2)
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return format, nil, err
			}
		}
	}
}

// tone synthesizes the bundled alarm sound: one second of an 880 Hz beep
// pattern in signed 16-bit little-endian PCM.
func tone(format wavFormat) []byte {
	const (
		freq      = 880.0
		amplitude = 0.4 * math.MaxInt16
	)
	samples := format.SampleRate
	buf := make([]byte, 0, samples*format.Channels*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(format.SampleRate)
		var v int16
		// 150ms on, 100ms off.
		if math.Mod(t, 0.25) < 0.15 {
			v = int16(amplitude * math.Sin(2*math.Pi*freq*t))
		}
		for c := 0; c < format.Channels; c++ {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		}
	}
	return buf
}
