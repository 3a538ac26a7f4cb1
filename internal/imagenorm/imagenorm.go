// Package imagenorm normalizes profile image URLs to request the largest
// available size.
package imagenorm

import "regexp"

// sizeTokenPattern matches a URL ending in one of the known profile-image
// size suffixes, capturing the prefix, the size token and the extension.
var sizeTokenPattern = regexp.MustCompile(`^(.*)_(normal|bigger|mini|400x400)(\.[A-Za-z0-9]+)$`)

// targetSize is substituted for whichever size token was present.
const targetSize = "400x400"

// Normalize rewrites a profile image URL of the form
// "…/<basename>_<sizeToken>.<ext>" to request the 400x400 variant. URLs that
// do not match the expected shape pass through unchanged.
func Normalize(url string) string {
	m := sizeTokenPattern.FindStringSubmatch(url)
	if m == nil {
		return url
	}
	if m[2] == targetSize {
		return url
	}
	return m[1] + "_" + targetSize + m[3]
}
