package imagecache

import (
	"fmt"
	"path"
	"strings"
)

// maxKeyLen bounds object key length; longer keys are rejected at the HTTP
// boundary before they reach the backend.
const maxKeyLen = 255

// CleanKey validates a client-supplied object key and returns its canonical
// form. Keys are plain file names: no path separators, no control characters,
// and a recognised image extension.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	if len(key) > maxKeyLen {
		return "", fmt.Errorf("object key too long: %d chars", len(key))
	}
	if strings.ContainsAny(key, "/\\") {
		return "", fmt.Errorf("object key %q contains a path separator", key)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("object key %q contains control characters", key)
		}
	}
	if key == "." || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("object key %q is not a file name", key)
	}
	if _, err := FormatFromPath(key); err != nil {
		return "", err
	}
	return key, nil
}

// ObjectKey derives the storage key for an uploaded file: the base name with
// its extension replaced by the storage format's canonical extension.
func ObjectKey(filename string, f Format) string {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	return base + "." + f.Ext()
}

// VariantID names one cached conversion of an object, for logs and request
// collapsing. Object keys cannot contain "/", so the separator is unambiguous.
func VariantID(key string, f Format) string {
	return key + "/" + string(f)
}
