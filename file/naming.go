package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/opd-ai/communic8/limits"
	"github.com/sirupsen/logrus"
)

// MaxCollisionSuffix bounds the numeric suffixes tried by CreateUnique.
const MaxCollisionSuffix = 10000

// WireName returns the name a local file is announced under: its base name
// with whitespace replaced, since names travel as a single token.
func WireName(path string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, filepath.Base(path))
	if len(name) > limits.MaxFileNameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:limits.MaxFileNameLength-len(ext)] + ext
	}
	return name
}

// SafeName validates a name received from a peer and reduces it to a bare
// file name that cannot leave the download directory.
func SafeName(name string) (string, error) {
	if len(name) > limits.MaxFileNameLength {
		return "", fmt.Errorf("%w: file name longer than %d bytes", ErrInvalidTransfer, limits.MaxFileNameLength)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrDirectoryTraversal, name)
	}
	cleaned, err := ValidatePath(name)
	if err != nil {
		return "", err
	}
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("%w: unusable file name %q", ErrInvalidTransfer, name)
	}
	return cleaned, nil
}

// candidateName returns name for attempt -1 and base-N.ext for attempt N.
func candidateName(name string, attempt int) string {
	if attempt < 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	return fmt.Sprintf("%s-%d%s", base, attempt, ext)
}

// CreateUnique creates name in dir without overwriting anything. If the name
// is taken it tries name-0.ext, name-1.ext and so on, and returns the file
// and the path it got.
func CreateUnique(dir, name string) (*os.File, string, error) {
	for attempt := -1; attempt < MaxCollisionSuffix; attempt++ {
		path := filepath.Join(dir, candidateName(name, attempt))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if attempt >= 0 {
				logrus.WithFields(logrus.Fields{
					"function":  "CreateUnique",
					"requested": name,
					"path":      path,
				}).Info("Destination existed, using alternate name")
			}
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("%w: %w", ErrDestinationOpen, err)
		}
	}
	return nil, "", fmt.Errorf("%w: no free name for %s after %d attempts", ErrDestinationOpen, name, MaxCollisionSuffix)
}
