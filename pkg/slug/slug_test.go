package slug

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrom(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Solo Leveling":          "solo-leveling",
		"Truyện Tranh Hay Nhất!": "truyen-tranh-hay-nhat",
		"One-Punch  Man":         "one-punch-man",
		"--weird__input--":       "weird-input",
		"Chapter 10.5":           "chapter-10-5",
		"":                       "",
	}
	for in, want := range cases {
		require.Equal(t, want, From(in), "slug of %q", in)
	}
}
