package utils

import (
	"fmt"
	"time"
)

// TimeAgo renders a compact relative timestamp the way notification lists
// show them: "45s", "5m", "2h", "3d", "2w", "4mo", "1y".
func TimeAgo(t time.Time) string {
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())

	switch {
	case sec < 60:
		return fmt.Sprintf("%ds", sec)
	case sec < 60*60:
		return fmt.Sprintf("%dm", sec/60)
	case sec < 24*60*60:
		return fmt.Sprintf("%dh", sec/(60*60))
	case sec < 7*24*60*60:
		return fmt.Sprintf("%dd", sec/(24*60*60))
	case sec < 30*24*60*60:
		return fmt.Sprintf("%dw", sec/(7*24*60*60))
	case sec < 365*24*60*60:
		return fmt.Sprintf("%dmo", sec/(30*24*60*60))
	default:
		return fmt.Sprintf("%dy", sec/(365*24*60*60))
	}
}
