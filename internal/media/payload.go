package media

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EncodeDescription renders a session description as the offer/answer
// signal payload.
func EncodeDescription(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeDescription(payload string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("decode session description: %w", err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("decode session description: empty sdp")
	}
	return desc, nil
}

// EncodeCandidate renders a local candidate as the ice_candidate payload.
func EncodeCandidate(c webrtc.ICECandidateInit) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("decode ice candidate: %w", err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("decode ice candidate: empty candidate")
	}
	return c, nil
}
