package backend

import (
	"encoding/json"
	"net/http"
	"strings"

	"kiln/internal/kilnerr"
)

// extractText converts raw bytes to plain text for chunking. Plain text
// and its near relatives are accepted; anything else is rejected with
// ErrDocumentExtractionFailed rather than silently mis-chunking binary
// data. Richer formats (PDF, DOCX) are converted by the caller before they
// reach this path.
func extractText(mime string, data []byte) (string, error) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	switch {
	case strings.HasPrefix(mime, "text/"):
		return string(data), nil
	case mime == "application/json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return "", kilnerr.Wrapf(kilnerr.ErrDocumentExtractionFailed, "invalid json: %v", err)
		}
		return string(data), nil
	default:
		return "", kilnerr.Wrapf(kilnerr.ErrDocumentExtractionFailed, "unsupported mime type %q", mime)
	}
}

func errNoMemoryConfigured(memory string) error {
	return kilnerr.Wrapf(kilnerr.ErrUnknownMemory, "memory %q", memory)
}
