package transfer

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatSize renders n bytes in binary units, e.g. "3.0 MiB".
func FormatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func printSummary(w io.Writer, verb string, r Result) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "%s took %s\n", verb, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Speed: %.2f Mbps\n", r.Mbps())
}
