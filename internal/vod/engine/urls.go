package engine

import "encoding/base64"

// RangeProxyURL builds the local byte-range proxy path for a catalog file.
// The stream id is the raw-URL base64 of the file path, matching what the
// range proxy decodes.
func RangeProxyURL(filePath string) string {
	return "/vod/stream/" + base64.RawURLEncoding.EncodeToString([]byte(filePath))
}

// DecodeStreamID reverses RangeProxyURL's stream id encoding.
func DecodeStreamID(streamID string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(streamID)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ProcessedURL builds the local path serving a remuxed file for a job.
func ProcessedURL(jobID string) string {
	return "/vod/stream-processed/" + jobID
}
