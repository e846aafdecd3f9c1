package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// TargetSampleRate is the rate of every PCM buffer on the media plane.
const TargetSampleRate = 8000

// ErrNotWAV is returned by DecodeWAV for data without a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// AudioFile represents parsed audio metadata and PCM data
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// DecodeWAV parses an in-memory WAV blob. Only 16-bit PCM is accepted.
func DecodeWAV(data []byte) (*AudioFile, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	r := bytes.NewReader(data[12:])
	af := &AudioFile{}
	var haveFmt bool
	for {
		var hdr struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}

		switch string(hdr.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 || f.BitsPerSample != 16 {
				return nil, fmt.Errorf("unsupported WAV format %d/%d bits", f.AudioFormat, f.BitsPerSample)
			}
			af.AudioFormat = f.AudioFormat
			af.NumChannels = f.NumChannels
			af.SampleRate = f.SampleRate
			af.BitsPerSample = f.BitsPerSample
			haveFmt = true
			if extra := int64(hdr.Size) - 16; extra > 0 {
				if _, err := r.Seek(extra, io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("skip fmt extension: %w", err)
				}
			}

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			size := int(hdr.Size)
			if size > r.Len() {
				size = r.Len() // tolerate streamed WAVs with a bogus size
			}
			af.PCMData = make([]byte, size)
			if _, err := io.ReadFull(r, af.PCMData); err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			return af, nil

		default:
			if _, err := r.Seek(int64(hdr.Size), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skip chunk: %w", err)
			}
		}
	}
	return nil, fmt.Errorf("data chunk not found in WAV")
}

// EncodeWAV wraps 16-bit mono PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate uint32) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, struct {
		Size          uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{16, 1, 1, sampleRate, sampleRate * 2, 2, 16})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// ResampleAudio converts audio to 8000 Hz mono 16-bit PCM
func ResampleAudio(af *AudioFile) ([]byte, error) {
	var mono []byte
	switch af.NumChannels {
	case 1:
		mono = af.PCMData
	case 2:
		mono = make([]byte, len(af.PCMData)/2)
		for i := 0; i+3 < len(af.PCMData); i += 4 {
			left := int16(binary.LittleEndian.Uint16(af.PCMData[i:]))
			right := int16(binary.LittleEndian.Uint16(af.PCMData[i+2:]))
			binary.LittleEndian.PutUint16(mono[i/2:], uint16(int16((int32(left)+int32(right))/2)))
		}
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", af.NumChannels)
	}

	if af.SampleRate == TargetSampleRate {
		return mono, nil
	}
	if af.SampleRate == 0 {
		return nil, fmt.Errorf("sample rate is zero")
	}

	slog.Debug("[Audio] Resampling", "from", af.SampleRate, "to", TargetSampleRate, "inputSize", len(mono))

	// Linear interpolation
	ratio := float64(af.SampleRate) / float64(TargetSampleRate)
	inSamples := len(mono) / 2
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)

	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= inSamples {
			break
		}
		frac := pos - float64(idx)
		s1 := float64(int16(binary.LittleEndian.Uint16(mono[idx*2:])))
		s2 := float64(int16(binary.LittleEndian.Uint16(mono[(idx+1)*2:])))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(s1*(1-frac)+s2*frac)))
	}
	return out, nil
}

// ToPlaybackPCM normalizes synthesized audio for playback. WAV blobs are
// decoded and resampled; anything else is taken as 8kHz 16-bit mono PCM.
func ToPlaybackPCM(audio []byte) ([]byte, error) {
	af, err := DecodeWAV(audio)
	if errors.Is(err, ErrNotWAV) {
		return audio, nil
	}
	if err != nil {
		return nil, err
	}
	return ResampleAudio(af)
}

// PCMDuration returns the play time of 8kHz 16-bit mono PCM in milliseconds.
func PCMDuration(pcm []byte) int64 {
	return int64(len(pcm)/2) * 1000 / TargetSampleRate
}
