package relay

import (
	"fmt"
	"strings"
	"time"
)

// StatsText renders the plain-text body of GET /stats.
func StatsText(points []*PublishingPoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d publishing points:\n", len(points))
	for _, p := range points {
		info := p.Info()
		subs := "none"
		if len(info.Subscribers) > 0 {
			subs = strings.Join(info.Subscribers, ", ")
		}
		fmt.Fprintf(&b, "%-10s state=%s bytes=%d packets=%d rate=%.0fB/s uptime=%s subscribers: %s\n",
			info.Path,
			info.State,
			info.BytesIngested,
			info.Packets,
			info.IngestRate,
			time.Since(info.CreatedAt).Truncate(time.Second),
			subs,
		)
	}
	b.WriteString("\n")
	return b.String()
}
