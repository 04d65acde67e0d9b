package util

import (
	"fmt"
	"io"
	"strings"
)

const BannerWide = `
 ████████ ██████   █████  ██████  ███████  ██████   █████  ████████ ███████
    ██    ██   ██ ██   ██ ██   ██ ██      ██       ██   ██    ██    ██
    ██    ██████  ███████ ██   ██ █████   ██   ███ ███████    ██    █████
    ██    ██   ██ ██   ██ ██   ██ ██      ██    ██ ██   ██    ██    ██
    ██    ██   ██ ██   ██ ██████  ███████  ██████  ██   ██    ██    ███████
`

const BannerCompact = `
 _                 _                  _
| |_ _ __ __ _  __| | ___  __ _  __ _| |_ ___
| __| '__/ _` + "`" + ` |/ _` + "`" + ` |/ _ \/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \
| |_| | | (_| | (_| |  __/ (_| | (_| | ||  __/
 \__|_|  \__,_|\__,_|\___|\__, |\__,_|\__\___|
                          |___/
`

type BannerSize string

const (
	BannerSizeWide    BannerSize = "wide"
	BannerSizeCompact BannerSize = "compact"
)

// PrintBanner writes the banner for size; unknown sizes print the wide one.
func PrintBanner(w io.Writer, size BannerSize) {
	var s string
	switch size {
	case BannerSizeCompact:
		s = BannerCompact
	default:
		s = BannerWide
	}
	s = strings.Trim(s, "\n")
	_, _ = fmt.Fprintln(w, s)
}

// BannerFor picks a banner size for a terminal width.
func BannerFor(width int) BannerSize {
	if width > 0 && width < 80 {
		return BannerSizeCompact
	}
	return BannerSizeWide
}
