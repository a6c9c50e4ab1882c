package mapping

import (
	"regexp"
	"strings"
)

// Providers without a private metadata area carry the internal ID as a
// trailing marker in the description.
var markerPattern = regexp.MustCompile(`\s*\[eventsync:([A-Za-z0-9-]+)\]\s*$`)

// EmbedMarker appends the internal ID marker to desc, replacing any existing
// one.
func EmbedMarker(desc, internalID string) string {
	clean, _ := ExtractMarker(desc)
	if internalID == "" {
		return clean
	}
	marker := "[eventsync:" + internalID + "]"
	if clean == "" {
		return marker
	}
	return clean + "\n\n" + marker
}

// ExtractMarker strips the marker from desc and returns the cleaned text
// and the embedded ID, if any.
func ExtractMarker(desc string) (clean, internalID string) {
	m := markerPattern.FindStringSubmatchIndex(desc)
	if m == nil {
		return desc, ""
	}
	return strings.TrimRight(desc[:m[0]], " \t\r\n"), desc[m[2]:m[3]]
}
