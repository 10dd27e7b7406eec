package mime

import (
	"fmt"
	"strings"
	"time"
)

// ExpandDrainFilename performs a strftime-like expansion of template at t,
// supporting the directives a drain filename configuration realistically
// needs: %Y %m %d %H %M %S.
func ExpandDrainFilename(template string, t time.Time) string {
	r := strings.NewReplacer(
		"%Y", fmt.Sprintf("%04d", t.Year()),
		"%m", fmt.Sprintf("%02d", t.Month()),
		"%d", fmt.Sprintf("%02d", t.Day()),
		"%H", fmt.Sprintf("%02d", t.Hour()),
		"%M", fmt.Sprintf("%02d", t.Minute()),
		"%S", fmt.Sprintf("%02d", t.Second()),
	)
	return r.Replace(template)
}
