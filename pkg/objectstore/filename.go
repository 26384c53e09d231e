package objectstore

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// maxPathLen is the budget for a local filename. Must be at least 41 so a
// shortened name can hold the leading underscore plus the 40-hex digest.
const maxPathLen = 60

// sanitizeName makes an object name acceptable as a filename on all
// platforms. Path separators flatten too: object keys may carry prefixes,
// but a download always lands as a single file directly in the destination
// directory.
func sanitizeName(name string) string {
	r := strings.NewReplacer("*", "_", ";", "_", ":", "_", "/", "_", "\\", "_")
	return r.Replace(name)
}

// shortenName rewrites an object name deterministically: a leading
// underscore, the 40-hex SHA-1 of the full name, then as many trailing
// original characters as fit in maxPathLen. Repeated downloads of the same
// object therefore resolve to the same local path.
func shortenName(name string) string {
	sum := sha1.Sum([]byte(name))
	digest := hex.EncodeToString(sum[:])
	keep := maxPathLen - len(digest) - 1
	if keep > len(name) {
		keep = len(name)
	}
	return "_" + digest + name[len(name)-keep:]
}

// localName maps an object name to the filename used in the download
// directory.
func localName(object string, alwaysShorten bool) string {
	name := object
	if alwaysShorten || len(name) > maxPathLen {
		name = shortenName(name)
	}
	return sanitizeName(name)
}
