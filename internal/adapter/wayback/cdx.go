package wayback

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/signalmap/waybackd/internal/domain"
)

var (
	portPrefix = regexp.MustCompile(`^:\d+`)
	port80     = regexp.MustCompile(`:80(/|$)`)
	timestamp  = regexp.MustCompile(`^\d{14}$`)
)

// cdxURL renders the index query for q bounded by r.
func cdxURL(base string, q cdxQuery, r domain.Range, limit int) string {
	v := url.Values{}
	v.Set("url", q.URL)
	v.Set("output", "json")
	v.Set("fl", "timestamp,original,statuscode,mimetype")
	v.Add("filter", "statuscode:200")
	v.Add("filter", "mimetype:text/html")
	v.Set("collapse", "timestamp:8")
	v.Set("limit", strconv.Itoa(limit))
	if q.Prefix {
		v.Set("matchType", "prefix")
	}
	if q.ExcludeStatuses {
		v.Add("filter", "!original:.*/status/")
		v.Add("filter", "!original:.*/statuses/")
	}
	from, to := r.CDXBounds()
	if from != "" {
		v.Set("from", from)
	}
	if to != "" {
		v.Set("to", to)
	}
	return base + "?" + v.Encode()
}

// parseCDX reads the JSON table the index returns: a header row naming the
// fields followed by one row per capture. An empty body means no captures.
func parseCDX(body []byte) ([]domain.Candidate, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode cdx response: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	tsIdx, origIdx := 0, 1
	for i, h := range rows[0] {
		switch h {
		case "timestamp":
			tsIdx = i
		case "original":
			origIdx = i
		}
	}

	out := make([]domain.Candidate, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) <= tsIdx || len(row) <= origIdx || !timestamp.MatchString(row[tsIdx]) {
			continue
		}
		out = append(out, domain.Candidate{Timestamp: row[tsIdx], OriginalURL: row[origIdx]})
	}
	return out, nil
}

// dedupe keeps one capture per timestamp, preferring https and www forms,
// and returns them in ascending order.
func dedupe(in []domain.Candidate) []domain.Candidate {
	best := make(map[string]domain.Candidate, len(in))
	for _, c := range in {
		cur, ok := best[c.Timestamp]
		if !ok || urlPreference(c.OriginalURL) > urlPreference(cur.OriginalURL) {
			best[c.Timestamp] = c
		}
	}
	out := make([]domain.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func urlPreference(u string) int {
	score := 0
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "https://"):
		score += 2
	case strings.HasPrefix(lower, "http://"):
		score++
	}
	if strings.Contains(lower, "//www.") {
		score++
	}
	if !port80.MatchString(lower) {
		score++
	}
	return score
}
