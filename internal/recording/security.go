package recording

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var playableFile = regexp.MustCompile(`^(playlist\.m3u8|segment-\d+\.ts)$`)

// ValidFile reports whether name is one of the files the playback
// endpoint is allowed to serve.
func ValidFile(name string) bool {
	return playableFile.MatchString(name)
}

// SafeJoin joins path elements under base and rejects anything that
// escapes it.
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) {
			return "", fmt.Errorf("absolute path not allowed: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes %s", absJoined, absBase)
	}
	return absJoined, nil
}
