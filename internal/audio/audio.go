// Package audio holds the device-side audio collaborators: noise
// suppression, continuous speech detection, and ringtone playback. The
// daemon build carries no-op implementations; platform builds replace them
// with real device bindings behind the same interfaces.
package audio

import "log/slog"

// NoiseSuppressor is initialized once per login and released on logout.
type NoiseSuppressor struct {
	logger *slog.Logger
}

func NewNoiseSuppressor(logger *slog.Logger) *NoiseSuppressor {
	return &NoiseSuppressor{logger: logger.With("component", "audio")}
}

func (n *NoiseSuppressor) Init() error {
	n.logger.Debug("noise suppression initialized")
	return nil
}

func (n *NoiseSuppressor) Close() {
	n.logger.Debug("noise suppression released")
}

// SpeechDetector restarts voice-activity detection after it suspended
// itself, typically following a muted network blip.
type SpeechDetector struct {
	logger *slog.Logger
}

func NewSpeechDetector(logger *slog.Logger) *SpeechDetector {
	return &SpeechDetector{logger: logger.With("component", "audio")}
}

func (s *SpeechDetector) Restart() {
	s.logger.Debug("speech detection restarted")
}

// RingtonePlayer plays ringtone and ringback tones; logout stops everything.
type RingtonePlayer struct {
	logger *slog.Logger
}

func NewRingtonePlayer(logger *slog.Logger) *RingtonePlayer {
	return &RingtonePlayer{logger: logger.With("component", "audio")}
}

func (r *RingtonePlayer) StopAll() {
	r.logger.Debug("ringtone playback stopped")
}
