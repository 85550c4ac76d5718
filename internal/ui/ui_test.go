package ui

import (
	"strings"
	"testing"
)

func TestStyling(t *testing.T) {
	t.Run("plain mode passes text through", func(t *testing.T) {
		prev := EnableColors()
		SetColors(false)
		defer SetColors(prev)

		for name, fn := range map[string]func(string) string{
			"Success": Success,
			"Error":   Error,
			"Warning": Warning,
			"Info":    Info,
			"Code":    Code,
			"Dim":     Dim,
			"Header":  Header,
		} {
			if got := fn("text"); got != "text" {
				t.Errorf("%s(text) = %q in plain mode", name, got)
			}
		}
	})

	t.Run("colored mode keeps the text", func(t *testing.T) {
		prev := EnableColors()
		SetColors(true)
		defer SetColors(prev)

		if got := Error("boom"); !strings.Contains(got, "boom") {
			t.Errorf("Error lost the text: %q", got)
		}
	})
}
