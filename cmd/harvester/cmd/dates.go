package cmd

import (
	"fmt"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
}

// parseDate reads a --from/--to value. OAI-PMH dates are tried first,
// then natural language such as "yesterday" or "3 days ago" relative to
// now. An empty value yields nil.
func parseDate(value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	parsed, err := dps.Parse(&dps.Configuration{CurrentTime: now}, value)
	if err != nil || parsed.Time.IsZero() {
		return nil, fmt.Errorf("invalid date %q: use YYYY-MM-DD or YYYY-MM-DDThh:mm:ssZ", value)
	}
	t := parsed.Time.UTC()
	return &t, nil
}
