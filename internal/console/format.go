package console

import "fmt"

// roleMarkers give operators a quick visual cue for message direction.
var roleMarkers = map[string]string{
	"lead":     "◀",
	"agent":    "▶",
	"operator": "★",
}

// FormatLine renders one conversation message for console display.
func FormatLine(phone, role, content string) string {
	marker, ok := roleMarkers[role]
	if !ok {
		marker = "·"
	}
	return fmt.Sprintf("%s [%s] %s: %s", marker, phone, role, content)
}
