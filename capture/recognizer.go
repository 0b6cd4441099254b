package capture

import "context"

// Recognition is one hypothesis from a streaming recognizer.
type Recognition struct {
	Text  string
	Final bool
}

// Recognizer opens streaming recognition sessions for live preview.
type Recognizer interface {
	Start(ctx context.Context, language string, sampleRate int) (RecognitionSession, error)
}

// RecognitionSession receives little-endian 16-bit mono PCM. Results is
// closed when the session ends, after which Err reports why (nil after
// Stop).
type RecognitionSession interface {
	SendAudio(pcm []byte) error
	Results() <-chan Recognition
	Err() error
	Stop() error
}
