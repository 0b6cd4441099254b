// Package intake turns user-supplied audio files into payloads.
package intake

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"node.town/tarjama/transcript"
)

// DefaultMaxBytes matches the inline audio limit of the cloud engine.
const DefaultMaxBytes = 20 << 20

var extensionTypes = map[string]string{
	".webm": "audio/webm",
	".weba": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg;codecs=opus",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".aiff": "audio/aiff",
	".aif":  "audio/aiff",
}

// sniffed maps what http.DetectContentType reports to the audio type we
// send onwards.
var sniffed = map[string]string{
	"audio/wave":      "audio/wav",
	"audio/mpeg":      "audio/mpeg",
	"application/ogg": "audio/ogg",
	"video/webm":      "audio/webm",
	"audio/aiff":      "audio/aiff",
	"video/mp4":       "audio/mp4",
}

func FromFile(path string, maxBytes int64) (*transcript.AudioPayload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return FromReader(f, filepath.Base(path), "", maxBytes)
}

// FromReader reads a whole upload. declared is the client's content type
// and may be empty.
func FromReader(r io.Reader, filename, declared string, maxBytes int64) (*transcript.AudioPayload, error) {
	const op = "intake.read"
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	if len(data) == 0 {
		return nil, transcript.Errorf(transcript.KindUnsupportedFormat, op, "%s is empty", filename)
	}
	if int64(len(data)) > maxBytes {
		return nil, transcript.Errorf(transcript.KindUnsupportedFormat, op, "%s is larger than %d bytes", filename, maxBytes)
	}

	mimeType, err := DetectMIME(filename, declared, data)
	if err != nil {
		return nil, err
	}
	return transcript.NewAudioPayload(data, mimeType), nil
}

// DetectMIME prefers a declared audio type, then the content signature,
// then the file extension.
func DetectMIME(filename, declared string, head []byte) (string, error) {
	if declared != "" {
		if mediaType, params, err := mime.ParseMediaType(declared); err == nil {
			if mediaType == "video/webm" {
				mediaType = "audio/webm"
			}
			if strings.HasPrefix(mediaType, "audio/") {
				if codecs, ok := params["codecs"]; ok {
					return mediaType + ";codecs=" + codecs, nil
				}
				return mediaType, nil
			}
		}
	}

	if bytes.HasPrefix(head, []byte("fLaC")) {
		return "audio/flac", nil
	}
	if t, ok := sniffed[transcript.NormalizeMIME(http.DetectContentType(head))]; ok {
		if t == "audio/ogg" && bytes.Contains(head[:min(len(head), 512)], []byte("OpusHead")) {
			return "audio/ogg;codecs=opus", nil
		}
		return t, nil
	}

	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t, nil
	}
	return "", transcript.Errorf(
		transcript.KindUnsupportedFormat,
		"intake.detect",
		"%s does not look like audio",
		filename,
	)
}
