package wayback

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extraction is the metric read from one archived profile page.
type Extraction struct {
	Value      *int64
	Confidence float64
	Evidence   string
	// Instagram only.
	Following *int64
	Posts     *int64
}

const (
	confidenceMeta        = 0.75
	confidenceTextProfile = 0.55
	confidenceText        = 0.5
	maxEvidence           = 140
	maxMetric             = 1e10
)

var (
	followersRe  = regexp.MustCompile(`(?i)([0-9][0-9,.]*)\s*([KMB])?\s*followers?\b`)
	followingRe  = regexp.MustCompile(`(?i)([0-9][0-9,.]*)\s*([KMB])?\s*following\b`)
	postsRe      = regexp.MustCompile(`(?i)([0-9][0-9,.]*)\s*([KMB])?\s*posts?\b`)
	subscribers  = regexp.MustCompile(`(?i)([0-9][0-9,.]*)\s*([KMB])?\s*subscribers?\b`)
	subscribersR = regexp.MustCompile(`(?i)subscribers?\s*[:\-]?\s*([0-9][0-9,.]*)\s*([KMB])?`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// page is the text surfaces a profile capture is read from.
type page struct {
	meta []string
	body string
}

func parsePage(html []byte) (page, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return page{}, false
	}
	var p page
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("property")
		if key == "" {
			key, _ = s.Attr("name")
		}
		switch strings.ToLower(key) {
		case "og:description", "description", "twitter:description":
			if c, ok := s.Attr("content"); ok && strings.TrimSpace(c) != "" {
				p.meta = append(p.meta, c)
			}
		}
	})
	doc.Find("script, style, noscript").Remove()
	p.body = strings.TrimSpace(whitespace.ReplaceAllString(doc.Find("body").Text(), " "))
	return p, true
}

func extractInstagram(html []byte) Extraction {
	p, ok := parsePage(html)
	if !ok {
		return Extraction{}
	}
	for _, m := range p.meta {
		if ext, ok := instagramCounts(m, confidenceMeta); ok {
			return ext
		}
	}
	if ext, ok := instagramCounts(p.body, confidenceTextProfile); ok {
		return ext
	}
	return Extraction{}
}

// instagramCounts requires at least two of the followers/following/posts
// counters to be present so a stray "followers" in a caption is ignored.
func instagramCounts(text string, confidence float64) (Extraction, bool) {
	followers, ev, ok := firstCount(followersRe, text)
	if !ok || followers >= 1e9 {
		return Extraction{}, false
	}
	ext := found(followers, confidence, ev)
	if v, _, ok := firstCount(followingRe, text); ok && v < 1e8 {
		ext.Following = &v
	}
	if v, _, ok := firstCount(postsRe, text); ok && v < 1e8 {
		ext.Posts = &v
	}
	if ext.Following == nil && ext.Posts == nil {
		return Extraction{}, false
	}
	return ext, true
}

func extractTwitter(html []byte) Extraction {
	return extractWith(html, followersRe)
}

func extractYouTube(html []byte) Extraction {
	return extractWith(html, subscribers, subscribersR)
}

func extractWith(html []byte, patterns ...*regexp.Regexp) Extraction {
	p, ok := parsePage(html)
	if !ok {
		return Extraction{}
	}
	for _, m := range p.meta {
		for _, re := range patterns {
			if v, ev, ok := firstCount(re, m); ok {
				return found(v, confidenceMeta, ev)
			}
		}
	}
	for _, re := range patterns {
		if v, ev, ok := firstCount(re, p.body); ok {
			return found(v, confidenceText, ev)
		}
	}
	return Extraction{}
}

func found(v int64, confidence float64, evidence string) Extraction {
	return Extraction{Value: &v, Confidence: confidence, Evidence: evidence}
}

// firstCount returns the first in-range number matched by re.
func firstCount(re *regexp.Regexp, text string) (int64, string, bool) {
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		num := text[loc[2]:loc[3]]
		var suffix string
		if loc[4] >= 0 {
			suffix = text[loc[4]:loc[5]]
		}
		v, ok := parseCount(num, suffix)
		if !ok {
			continue
		}
		return v, evidence(text, loc[0], loc[1]), true
	}
	return 0, "", false
}

// parseCount reads "1,234", "12.5" with a K/M/B suffix, or "1.234" as a
// thousands-separated integer when no suffix is given.
func parseCount(num, suffix string) (int64, bool) {
	num = strings.TrimRight(num, ".,")
	if num == "" {
		return 0, false
	}
	mult := 1.0
	switch strings.ToUpper(suffix) {
	case "K":
		mult = 1e3
	case "M":
		mult = 1e6
	case "B":
		mult = 1e9
	}

	var f float64
	if suffix == "" {
		digits := strings.NewReplacer(",", "", ".", "").Replace(num)
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0, false
		}
		f = float64(n)
	} else {
		n, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
		if err != nil {
			return 0, false
		}
		f = n * mult
	}
	v := int64(math.Round(f))
	if v <= 0 || float64(v) >= maxMetric {
		return 0, false
	}
	return v, true
}

func evidence(text string, start, end int) string {
	from := start - 40
	if from < 0 {
		from = 0
	}
	to := end + 40
	if to > len(text) {
		to = len(text)
	}
	ev := strings.TrimSpace(text[from:to])
	if len(ev) > maxEvidence {
		ev = ev[:maxEvidence]
	}
	return strings.ToValidUTF8(ev, "")
}
