package speechmatics

import "sort"

// Client → server messages.

type audioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type conversationConfig struct {
	EndOfUtteranceSilenceTrigger float64 `json:"end_of_utterance_silence_trigger,omitempty"`
}

type speakerHint struct {
	Label              string   `json:"label"`
	SpeakerIdentifiers []string `json:"speaker_identifiers"`
}

type speakerDiarizationConfig struct {
	Speakers []speakerHint `json:"speakers,omitempty"`
}

type transcriptionConfig struct {
	Language                 string                    `json:"language"`
	OperatingPoint           string                    `json:"operating_point,omitempty"`
	EnablePartials           bool                      `json:"enable_partials"`
	Diarization              string                    `json:"diarization,omitempty"`
	MaxDelay                 float64                   `json:"max_delay,omitempty"`
	ConversationConfig       *conversationConfig       `json:"conversation_config,omitempty"`
	SpeakerDiarizationConfig *speakerDiarizationConfig `json:"speaker_diarization_config,omitempty"`
}

type startRecognition struct {
	Message             string              `json:"message"`
	AudioFormat         audioFormat         `json:"audio_format"`
	TranscriptionConfig transcriptionConfig `json:"transcription_config"`
}

type endOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

// Server → client messages. One struct covers every type; unused fields stay empty.

const (
	msgRecognitionStarted   = "RecognitionStarted"
	msgAudioAdded           = "AudioAdded"
	msgAddPartialTranscript = "AddPartialTranscript"
	msgAddTranscript        = "AddTranscript"
	msgEndOfTranscript      = "EndOfTranscript"
	msgError                = "Error"
	msgWarning              = "Warning"
	msgInfo                 = "Info"
)

type alternative struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Speaker    string  `json:"speaker"`
}

type result struct {
	Type         string        `json:"type"` // word or punctuation
	StartTime    float64       `json:"start_time"`
	EndTime      float64       `json:"end_time"`
	Alternatives []alternative `json:"alternatives"`
}

type serverMessage struct {
	Message string   `json:"message"`
	ID      string   `json:"id,omitempty"`
	SeqNo   int      `json:"seq_no,omitempty"`
	Results []result `json:"results,omitempty"`
	Type    string   `json:"type,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// speakerHints renders label → identifiers in label order.
func speakerHints(hints map[string][]string) []speakerHint {
	if len(hints) == 0 {
		return nil
	}
	labels := make([]string, 0, len(hints))
	for label, ids := range hints {
		if label != "" && len(ids) > 0 {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)

	out := make([]speakerHint, 0, len(labels))
	for _, label := range labels {
		out = append(out, speakerHint{Label: label, SpeakerIdentifiers: hints[label]})
	}
	return out
}
