package overlay

import (
	"fmt"

	"github.com/paulmach/orb"
)

// TooltipContent is the preview shown while hovering a marker or cluster.
type TooltipContent struct {
	Title string
	Lines []string
	Color string
}

// Tooltip is the UI element hover handlers drive. Calls arrive on timer
// goroutines.
type Tooltip interface {
	Show(at orb.Point, content TooltipContent)
	Move(at orb.Point)
	Hide()
}

// clusterPreview lists member names followed by a "+N more" remainder.
func clusterPreview(names []string, total int) TooltipContent {
	c := TooltipContent{Title: fmt.Sprintf("%d nearby", total)}
	c.Lines = append(c.Lines, names...)
	if rest := total - len(names); rest > 0 {
		c.Lines = append(c.Lines, fmt.Sprintf("+%d more", rest))
	}
	return c
}
