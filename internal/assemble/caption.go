package assemble

import "strings"

// defaultCaptionWidth is the character budget per caption line at the
// caption font size on a Letter page.
const defaultCaptionWidth = 56

// wrapCaption word-wraps text into at most maxLines lines of up to
// width characters each. When the text does not fit, the last line is
// shortened and terminated with an ellipsis. Lines are joined with
// newlines for the PDF text watermark.
func wrapCaption(text string, width, maxLines int) string {
	if width <= 0 {
		width = defaultCaptionWidth
	}
	if maxLines <= 0 {
		maxLines = 3
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	var lines []string
	current := ""
	truncated := false

	for _, word := range words {
		// A single word longer than the line budget is hard-cut.
		if len(word) > width {
			word = word[:width]
		}

		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if len(candidate) <= width {
			current = candidate
			continue
		}

		lines = append(lines, current)
		current = word
		if len(lines) == maxLines {
			truncated = true
			break
		}
	}

	if !truncated && current != "" {
		lines = append(lines, current)
	}
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		truncated = true
	}

	if truncated && len(lines) > 0 {
		last := lines[len(lines)-1]
		if len(last)+1 > width {
			last = last[:width-1]
		}
		lines[len(lines)-1] = strings.TrimRight(last, " .,") + "…"
	}

	return strings.Join(lines, "\n")
}
