// Package docnum formats the sequential identifiers assigned to published
// documents at approval time.
package docnum

import "fmt"

// Format renders n as "PREFIX-007" while the 3-digit space lasts, then
// widens naturally ("PREFIX-1000") with no collision against the padded
// range.
func Format(prefix string, n int) string {
	if n < 1000 {
		return fmt.Sprintf("%s-%03d", prefix, n)
	}
	return fmt.Sprintf("%s-%d", prefix, n)
}
