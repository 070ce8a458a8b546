package otoplayer

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildWAV(t *testing.T, rate, channels, bits int, pcm []byte, extra bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")

	if extra {
		buf.WriteString("LIST")
		binary.Write(&buf, binary.LittleEndian, uint32(3))
		buf.Write([]byte{1, 2, 3, 0})
	}

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*bits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func TestParseWAV(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	for _, extra := range []bool{false, true} {
		format, data, err := parseWAV(buildWAV(t, 22050, 2, 16, pcm, extra))
		if err != nil {
			t.Fatalf("parse (extra chunk %v): %v", extra, err)
		}
		want := wavFormat{SampleRate: 22050, Channels: 2, BitDepth: 16}
		if format != want {
			t.Errorf("format = %+v, want %+v", format, want)
		}
		if !bytes.Equal(data, pcm) {
			t.Errorf("data = %v, want %v", data, pcm)
		}
	}
}

func TestParseWAVRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("OggS0000WAVE")},
		{"8 bit", buildWAV(t, 8000, 1, 8, []byte{1, 2}, false)},
		{"no data", []byte("RIFF\x00\x00\x00\x00WAVE")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseWAV(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestToneLength(t *testing.T) {
	f := wavFormat{SampleRate: 8000, Channels: 2, BitDepth: 16}
	pcm := tone(f)
	if len(pcm) != 8000*2*2 {
		t.Fatalf("len = %d, want %d", len(pcm), 8000*2*2)
	}
	silent := true
	for _, b := range pcm {
		if b != 0 {
			silent = false
			break
		}
	}
	if silent {
		t.Error("tone is silent")
	}
}
