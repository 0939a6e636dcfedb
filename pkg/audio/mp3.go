package audio

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// bytesPerFrame is the size of one decoded sample frame: go-mp3 always
// produces 16-bit stereo PCM.
const bytesPerFrame = 4

// MP3Duration returns the playback duration of a complete MP3 file by
// walking its frame headers.
func MP3Duration(data []byte) (time.Duration, error) {
	if len(data) == 0 {
		return 0, errors.New("audio: empty mp3")
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("audio: decode mp3: %w", err)
	}
	rate := dec.SampleRate()
	n := dec.Length()
	if rate <= 0 || n < 0 {
		return 0, errors.New("audio: mp3 length unknown")
	}
	samples := n / bytesPerFrame
	return time.Duration(samples) * time.Second / time.Duration(rate), nil
}
