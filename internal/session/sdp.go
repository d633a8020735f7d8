package session

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

var directionAttrs = map[string]bool{
	"sendrecv": true,
	"sendonly": true,
	"recvonly": true,
	"inactive": true,
}

// fixRemoteDescription normalizes an incoming SIP offer before it is handed
// to the media engine. Some gateways omit the media-level direction attribute
// on the audio section, which the engine rejects; an absent direction defaults
// to sendrecv per RFC 3264, so it is made explicit here.
func fixRemoteDescription(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parsing remote description: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		hasDirection := false
		for _, attr := range media.Attributes {
			if directionAttrs[attr.Key] {
				hasDirection = true
				break
			}
		}
		if !hasDirection {
			media.Attributes = append(media.Attributes, sdp.Attribute{Key: "sendrecv"})
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing remote description: %w", err)
	}
	return string(out), nil
}
