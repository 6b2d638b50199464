package tool

import (
	"fmt"
	"strings"

	"github.com/kosmos-run/kosmos/internal/store"
)

// FormatBasename evaluates an output's basename template against the
// task's own tags and its settings. Supported placeholders: {tagname} for
// any key in tags, and {s.key} for settings. Unknown placeholders are left
// verbatim: this is best-effort string substitution, not a strict template
// language.
func FormatBasename(template string, tags store.TagMap, settings map[string]interface{}) string {
	out := template
	for _, k := range sortedTagKeys(tags) {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(tags[k]))
	}
	for k, v := range settings {
		out = strings.ReplaceAll(out, "{s."+k+"}", fmt.Sprint(v))
	}
	return out
}
