package playback

import (
	"bytes"
	"errors"
)

// ErrUnsupportedContainer is returned when the head of a stream matches none
// of the containers the playback pipeline can feed to a [Sink].
var ErrUnsupportedContainer = errors.New("playback: unsupported container")

// Container identifies the encapsulation format of an audio stream.
type Container int

const (
	// ContainerUnknown means the stream head matched no known signature.
	ContainerUnknown Container = iota

	// ContainerWebMOpus is Opus in a WebM (Matroska/EBML) container.
	ContainerWebMOpus

	// ContainerMP3 is an MPEG-1/2 Layer III elementary stream, with or
	// without a leading ID3 tag.
	ContainerMP3

	// ContainerOgg is an Ogg bitstream (typically Opus).
	ContainerOgg
)

// String returns a short lowercase name for the container.
func (c Container) String() string {
	switch c {
	case ContainerWebMOpus:
		return "webm"
	case ContainerMP3:
		return "mp3"
	case ContainerOgg:
		return "ogg"
	default:
		return "unknown"
	}
}

// MIMEType returns the media type a sink should be opened with, or "" for
// [ContainerUnknown].
func (c Container) MIMEType() string {
	switch c {
	case ContainerWebMOpus:
		return `audio/webm; codecs="opus"`
	case ContainerMP3:
		return "audio/mpeg"
	case ContainerOgg:
		return `audio/ogg; codecs="opus"`
	default:
		return ""
	}
}

// sniffLen is the number of leading bytes needed for a definitive decision.
const sniffLen = 4

var (
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggMagic  = []byte("OggS")
	id3Magic  = []byte("ID3")
)

// Sniff classifies a stream by its first bytes. It never reads more than
// four bytes of head.
func Sniff(head []byte) Container {
	switch {
	case bytes.HasPrefix(head, ebmlMagic):
		return ContainerWebMOpus
	case bytes.HasPrefix(head, oggMagic):
		return ContainerOgg
	case bytes.HasPrefix(head, id3Magic):
		return ContainerMP3
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return ContainerMP3
	default:
		return ContainerUnknown
	}
}

// Sniffer decides the container of one stream from its leading bytes. It
// buffers fragments until enough bytes have arrived, decides once, and then
// passes every later fragment through untouched.
//
// The zero value is ready to use. A Sniffer is not safe for concurrent use.
type Sniffer struct {
	head      []byte
	decided   bool
	container Container
}

// Feed offers the next fragment of the stream. Until a decision is possible
// it returns (nil, nil) and keeps the bytes. On the deciding call it returns
// everything buffered so far, in order. After that it returns p unchanged.
//
// If the head matches no known container, Feed returns
// [ErrUnsupportedContainer] and the Sniffer stays undecided until [Sniffer.Reset].
func (s *Sniffer) Feed(p []byte) ([]byte, error) {
	if s.decided {
		return p, nil
	}
	s.head = append(s.head, p...)
	if len(s.head) < sniffLen {
		return nil, nil
	}
	return s.decide()
}

// Flush forces a decision on a stream that ended before four bytes arrived.
// It returns the buffered head, or nil if nothing is pending.
func (s *Sniffer) Flush() ([]byte, error) {
	if s.decided || len(s.head) == 0 {
		return nil, nil
	}
	return s.decide()
}

func (s *Sniffer) decide() ([]byte, error) {
	c := Sniff(s.head)
	if c == ContainerUnknown {
		return nil, ErrUnsupportedContainer
	}
	s.container = c
	s.decided = true
	out := s.head
	s.head = nil
	return out, nil
}

// Decided reports whether the container has been determined.
func (s *Sniffer) Decided() bool { return s.decided }

// Container returns the decided container, or [ContainerUnknown].
func (s *Sniffer) Container() Container { return s.container }

// Reset prepares the Sniffer for a new stream.
func (s *Sniffer) Reset() {
	s.head = nil
	s.decided = false
	s.container = ContainerUnknown
}
