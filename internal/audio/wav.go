package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// Format describes interleaved PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// Clip is decoded audio with samples normalized to [-1, 1], interleaved by
// channel.
type Clip struct {
	Format  Format
	Samples []float64
}

func (c Clip) Frames() int {
	if c.Format.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Format.Channels
}

func ReadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return DecodeWAV(f)
}

func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	h, err := readHeader(r)
	if err != nil {
		return Clip{}, err
	}

	if _, err := r.Seek(h.dataOffset, io.SeekStart); err != nil {
		return Clip{}, fmt.Errorf("seek wav data offset: %w", err)
	}

	// Recorders that were stopped by a signal may leave a data size larger
	// than what actually reached the disk.
	data, err := io.ReadAll(io.LimitReader(r, int64(h.dataSize)))
	if err != nil {
		return Clip{}, fmt.Errorf("read wav data: %w", err)
	}

	samples, err := decodeSamples(data, h.audioFormat, uint16(h.format.BitsPerSample))
	if err != nil {
		return Clip{}, err
	}

	return Clip{Format: h.format, Samples: samples}, nil
}

// ProbeWAV reads only the header of the WAV file at path and reports its
// format and playable duration.
func ProbeWAV(path string) (Format, time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return Format{}, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return Format{}, 0, fmt.Errorf("stat wav: %w", err)
	}

	size := int64(h.dataSize)
	if onDisk := info.Size() - h.dataOffset; onDisk < size {
		size = max(onDisk, 0)
	}
	frames := size / int64(h.format.BytesPerFrame())
	return h.format, time.Duration(frames) * time.Second / time.Duration(h.format.SampleRate), nil
}

type wavHeader struct {
	audioFormat uint16
	format      Format
	dataOffset  int64
	dataSize    uint32
}

func readHeader(r io.ReadSeeker) (wavHeader, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wavHeader{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return wavHeader{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return wavHeader{}, ErrInvalidWAV
	}

	var (
		h       wavHeader
		hasFmt  bool
		hasData bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return wavHeader{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return wavHeader{}, fmt.Errorf("seek wav chunk start: %w", err)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return wavHeader{}, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return wavHeader{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			h.audioFormat = binary.LittleEndian.Uint16(buf[0:2])
			h.format = Format{
				Channels:      int(binary.LittleEndian.Uint16(buf[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(buf[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(buf[14:16])),
			}
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return wavHeader{}, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			h.dataOffset = chunkStart
			h.dataSize = chunkSize
			hasData = true
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return wavHeader{}, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return wavHeader{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return wavHeader{}, ErrInvalidWAV
	}
	if h.format.Channels <= 0 || h.format.SampleRate <= 0 || h.format.BytesPerFrame() <= 0 {
		return wavHeader{}, ErrInvalidWAV
	}

	if err := validateFormat(h.audioFormat, uint16(h.format.BitsPerSample)); err != nil {
		return wavHeader{}, err
	}

	return h, nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	if audioFormat == formatPCM {
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		default:
			return ErrUnsupportedWAV
		}
	}

	if audioFormat == formatFloat {
		switch bitsPerSample {
		case 32, 64:
			return nil
		default:
			return ErrUnsupportedWAV
		}
	}

	return ErrUnsupportedWAV
}

func decodeSamples(data []byte, audioFormat, bitsPerSample uint16) ([]float64, error) {
	bytesPerSample := int(bitsPerSample / 8)
	if bytesPerSample <= 0 {
		return nil, ErrUnsupportedWAV
	}

	samples := make([]float64, 0, len(data)/bytesPerSample)
	for i := 0; i+bytesPerSample <= len(data); i += bytesPerSample {
		value, err := decodeSample(data[i:i+bytesPerSample], audioFormat, bitsPerSample)
		if err != nil {
			return nil, err
		}
		samples = append(samples, value)
	}

	return samples, nil
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == formatFloat {
		switch bitsPerSample {
		case 32:
			bits := binary.LittleEndian.Uint32(sample)
			return float64(math.Float32frombits(bits)), nil
		case 64:
			bits := binary.LittleEndian.Uint64(sample)
			return math.Float64frombits(bits), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		u := float64(sample[0])
		return (u - 128.0) / 128.0, nil
	case 16:
		v := int16(binary.LittleEndian.Uint16(sample))
		return float64(v) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		v := int32(binary.LittleEndian.Uint32(sample))
		return float64(v) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

// WriteWAV encodes the clip as 16-bit PCM, clipping out-of-range samples.
func WriteWAV(path string, clip Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	format := clip.Format
	format.BitsPerSample = 16
	w, err := NewWAVWriter(f, format)
	if err != nil {
		_ = f.Close()
		return err
	}

	buf := make([]byte, 2*len(clip.Samples))
	for i, s := range clip.Samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(toInt16(s)))
	}
	if _, err := w.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write wav data: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	return nil
}

func toInt16(value float64) int16 {
	scaled := math.Round(value * 32768.0)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}

const wavHeaderSize = 44

// WAVWriter streams interleaved little-endian PCM into a RIFF container and
// fixes the size fields on Close.
type WAVWriter struct {
	f       *os.File
	format  Format
	written int64
	closed  bool
}

func NewWAVWriter(f *os.File, format Format) (*WAVWriter, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("%w: sample rate and channels must be positive", ErrUnsupportedWAV)
	}
	switch format.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return nil, ErrUnsupportedWAV
	}

	w := &WAVWriter{f: f, format: format}
	if _, err := f.Write(w.header(0)); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return w, nil
}

func (w *WAVWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

// Frames reports how many complete sample frames were written so far.
func (w *WAVWriter) Frames() int64 {
	perFrame := int64(w.format.BytesPerFrame())
	if perFrame == 0 {
		return 0
	}
	return w.written / perFrame
}

func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.written%2 != 0 {
		if _, err := w.f.Write([]byte{0}); err != nil {
			_ = w.f.Close()
			return fmt.Errorf("write wav padding: %w", err)
		}
	}

	if _, err := w.f.WriteAt(w.header(w.written), 0); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("finalize wav header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("sync wav: %w", err)
	}
	return w.f.Close()
}

func (w *WAVWriter) header(dataSize int64) []byte {
	out := make([]byte, wavHeaderSize)
	blockAlign := w.format.BytesPerFrame()

	riffSize := 36 + dataSize
	if dataSize%2 != 0 {
		riffSize++
	}

	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(riffSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], formatPCM)
	binary.LittleEndian.PutUint16(out[22:], uint16(w.format.Channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(w.format.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(w.format.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], uint16(w.format.BitsPerSample))
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	return out
}
