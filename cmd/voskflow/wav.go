package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// audioFormat describes the PCM stream handed to the filter.
type audioFormat struct {
	SampleRate int
	Channels   int
}

// openAudio inspects the stream for a RIFF/WAVE header. If one is present
// the format is taken from its fmt chunk and the returned reader is
// positioned at the start of the data chunk. Otherwise the stream is
// treated as raw 16-bit little-endian PCM at the fallback format.
func openAudio(r io.Reader, fallback audioFormat) (io.Reader, audioFormat, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(4)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return br, fallback, nil
		}
		return nil, audioFormat{}, err
	}
	if string(magic) != "RIFF" {
		return br, fallback, nil
	}

	format, err := readWAVHeader(br)
	if err != nil {
		return nil, audioFormat{}, err
	}
	return br, format, nil
}

// readWAVHeader consumes the RIFF header and chunks up to and including the
// "data" chunk header, leaving r positioned at the first PCM byte. Only
// 16-bit integer PCM is accepted.
func readWAVHeader(r *bufio.Reader) (audioFormat, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return audioFormat{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return audioFormat{}, errors.New("not a wave file")
	}

	var format audioFormat
	haveFmt := false

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return audioFormat{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return audioFormat{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return audioFormat{}, errors.New("fmt chunk too short")
			}
			audioFmt := binary.LittleEndian.Uint16(body[0:2])
			if audioFmt != 1 {
				return audioFormat{}, fmt.Errorf("unsupported wave format %d (want PCM)", audioFmt)
			}
			bits := binary.LittleEndian.Uint16(body[14:16])
			if bits != 16 {
				return audioFormat{}, fmt.Errorf("unsupported bit depth %d (want 16)", bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return audioFormat{}, errors.New("data chunk before fmt chunk")
			}
			return format, nil

		default:
			// Skip LIST, INFO and friends. Chunks are word-aligned.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return audioFormat{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// downmixMono averages interleaved 16-bit channels into mono in place,
// returning the shortened slice. A no-op for mono input.
func downmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			idx := (i*channels + ch) * 2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[idx : idx+2])))
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sum/channels)))
	}
	return pcm[:frames*2]
}
