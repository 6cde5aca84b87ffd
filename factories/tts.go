package factories

import (
	kokorotts "voicegate/services/kokoro/tts"
)

// BuildSynthesizer constructs the synthesis client.
func BuildSynthesizer(s SynthesisSettings) *kokorotts.KokoroTTSService {
	return kokorotts.NewKokoroTTSService(kokorotts.Config{
		BaseURL:       s.BaseURL,
		Model:         s.Model,
		DefaultVoice:  s.DefaultVoice,
		Speed:         s.Speed,
		Timeout:       s.Timeout.Std(),
		StreamTimeout: s.StreamTimeout.Std(),
	}, nil)
}
