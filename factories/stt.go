package factories

import (
	openaistt "voicegate/services/openai/stt"
)

// BuildTranscriber constructs the transcription client.
func BuildTranscriber(s TranscriptionSettings) *openaistt.WhisperSTTService {
	return openaistt.NewWhisperSTTService(openaistt.Config{
		BaseURL:  s.BaseURL,
		APIKey:   s.APIKey,
		Model:    s.Model,
		Language: s.Language,
		Timeout:  s.Timeout.Std(),
	}, nil)
}
