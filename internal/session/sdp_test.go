package session

import (
	"strings"
	"testing"
)

const sdpHeader = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n"

func TestFixRemoteDescriptionAddsDirection(t *testing.T) {
	raw := sdpHeader +
		"m=audio 49170 RTP/AVP 0\r\n" +
		"c=IN IP4 198.51.100.10\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"

	fixed, err := fixRemoteDescription(raw)
	if err != nil {
		t.Fatalf("fixRemoteDescription: %v", err)
	}
	if !strings.Contains(fixed, "a=sendrecv") {
		t.Errorf("missing explicit sendrecv:\n%s", fixed)
	}
}

func TestFixRemoteDescriptionKeepsExistingDirection(t *testing.T) {
	tests := []string{"sendrecv", "sendonly", "recvonly", "inactive"}

	for _, dir := range tests {
		t.Run(dir, func(t *testing.T) {
			raw := sdpHeader +
				"m=audio 49170 RTP/AVP 0\r\n" +
				"c=IN IP4 198.51.100.10\r\n" +
				"a=rtpmap:0 PCMU/8000\r\n" +
				"a=" + dir + "\r\n"

			fixed, err := fixRemoteDescription(raw)
			if err != nil {
				t.Fatalf("fixRemoteDescription: %v", err)
			}
			if got := strings.Count(fixed, "a="+dir); got != 1 {
				t.Errorf("direction %q count = %d, want 1:\n%s", dir, got, fixed)
			}
			if dir != "sendrecv" && strings.Contains(fixed, "a=sendrecv") {
				t.Errorf("sendrecv injected despite explicit %q:\n%s", dir, fixed)
			}
		})
	}
}

func TestFixRemoteDescriptionIgnoresNonAudioMedia(t *testing.T) {
	raw := sdpHeader +
		"m=video 51372 RTP/AVP 99\r\n" +
		"c=IN IP4 198.51.100.10\r\n" +
		"a=rtpmap:99 H264/90000\r\n"

	fixed, err := fixRemoteDescription(raw)
	if err != nil {
		t.Fatalf("fixRemoteDescription: %v", err)
	}
	if strings.Contains(fixed, "a=sendrecv") {
		t.Errorf("direction injected into video media:\n%s", fixed)
	}
}

func TestFixRemoteDescriptionRejectsGarbage(t *testing.T) {
	if _, err := fixRemoteDescription("this is not sdp"); err == nil {
		t.Fatal("expected error for malformed description")
	}
}
