package playback

import (
	"bytes"
	"errors"
	"testing"
)

func TestSniff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		head []byte
		want Container
	}{
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, ContainerWebMOpus},
		{"ogg", []byte("OggS\x00"), ContainerOgg},
		{"id3", []byte("ID3\x04"), ContainerMP3},
		{"mpeg frame sync", []byte{0xFF, 0xFB, 0x90, 0x64}, ContainerMP3},
		{"mpeg2 frame sync", []byte{0xFF, 0xF3, 0x00, 0x00}, ContainerMP3},
		{"riff", []byte("RIFF"), ContainerUnknown},
		{"lone 0xff", []byte{0xFF, 0x00, 0x00, 0x00}, ContainerUnknown},
		{"empty", nil, ContainerUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Sniff(tt.head); got != tt.want {
				t.Errorf("Sniff(%x) = %v, want %v", tt.head, got, tt.want)
			}
		})
	}
}

func TestContainer_MIMEType(t *testing.T) {
	t.Parallel()

	if got := ContainerMP3.MIMEType(); got != "audio/mpeg" {
		t.Errorf("MP3 MIMEType() = %q", got)
	}
	if got := ContainerUnknown.MIMEType(); got != "" {
		t.Errorf("Unknown MIMEType() = %q, want empty", got)
	}
}

func TestSniffer_BuffersUntilDecided(t *testing.T) {
	t.Parallel()

	var s Sniffer
	out, err := s.Feed([]byte{0x1A, 0x45})
	if err != nil || out != nil {
		t.Fatalf("Feed(2 bytes) = %v, %v; want nil, nil", out, err)
	}
	if s.Decided() {
		t.Fatal("decided after 2 bytes")
	}

	out, err = s.Feed([]byte{0xDF, 0xA3, 0x99})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x99}
	if !bytes.Equal(out, want) {
		t.Errorf("Feed returned %x, want %x", out, want)
	}
	if s.Container() != ContainerWebMOpus {
		t.Errorf("Container() = %v, want webm", s.Container())
	}

	// Later fragments pass through even if they look like another format.
	out, _ = s.Feed([]byte("OggS"))
	if string(out) != "OggS" || s.Container() != ContainerWebMOpus {
		t.Errorf("decision changed after first bytes: %v", s.Container())
	}
}

func TestSniffer_Unsupported(t *testing.T) {
	t.Parallel()

	var s Sniffer
	_, err := s.Feed([]byte("RIFF...."))
	if !errors.Is(err, ErrUnsupportedContainer) {
		t.Fatalf("err = %v, want ErrUnsupportedContainer", err)
	}
}

func TestSniffer_FlushShortStream(t *testing.T) {
	t.Parallel()

	var s Sniffer
	if out, _ := s.Feed([]byte("ID3")); out != nil {
		t.Fatalf("decided early with %q", out)
	}
	out, err := s.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if string(out) != "ID3" || s.Container() != ContainerMP3 {
		t.Errorf("Flush = %q (%v), want ID3 (mp3)", out, s.Container())
	}

	s.Reset()
	if s.Decided() || s.Container() != ContainerUnknown {
		t.Error("Reset did not clear the decision")
	}
}
