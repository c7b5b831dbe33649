package wayback

import (
	"strings"

	"github.com/signalmap/waybackd/internal/domain"
)

// Profile describes how one platform's profile pages are looked up in the
// index and read back.
type Profile struct {
	Platform domain.Platform
	// Variants lists the index queries for a canonical profile URL, best first.
	Variants func(canonicalURL string) []cdxQuery
	// MergeAll queries every variant. Otherwise the first variant that
	// yields captures wins.
	MergeAll bool
	Extract  func(html []byte) Extraction
}

// Registry holds registered platform profiles.
type Registry struct {
	profiles []*Profile
}

// NewRegistry creates an empty profile registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with every supported platform.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Profile{Platform: domain.PlatformInstagram, Variants: instagramVariants, Extract: extractInstagram})
	r.Register(&Profile{Platform: domain.PlatformTwitter, Variants: twitterVariants, MergeAll: true, Extract: extractTwitter})
	r.Register(&Profile{Platform: domain.PlatformYouTube, Variants: youtubeVariants, Extract: extractYouTube})
	return r
}

// Register adds a profile. A later registration for the same platform wins.
func (r *Registry) Register(p *Profile) {
	r.profiles = append([]*Profile{p}, r.profiles...)
}

// Match returns the profile for platform, or nil.
func (r *Registry) Match(platform domain.Platform) *Profile {
	for _, p := range r.profiles {
		if p.Platform == platform {
			return p
		}
	}
	return nil
}

// Platforms returns the registered platforms.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Platform)
	}
	return out
}

// cdxQuery is one URL form looked up in the index.
type cdxQuery struct {
	URL    string
	Prefix bool
	// ExcludeStatuses drops tweet pages on prefix lookups.
	ExcludeStatuses bool
	// Keep filters prefix matches down to the profile page itself.
	Keep func(original string) bool
}

func instagramVariants(canonical string) []cdxQuery {
	out := []cdxQuery{{URL: canonical}}
	handle := pathAfter(canonical, "instagram.com/")
	if handle == "" {
		return out
	}
	for _, u := range []string{
		"https://instagram.com/" + handle + "/",
		"https://www.instagram.com/" + handle,
		"http://instagram.com/" + handle,
	} {
		if u != canonical {
			out = append(out, cdxQuery{URL: u})
		}
	}
	return out
}

func twitterVariants(canonical string) []cdxQuery {
	handle := pathAfter(canonical, "twitter.com/")
	if handle == "" {
		handle = pathAfter(canonical, "x.com/")
	}
	if handle == "" {
		return []cdxQuery{{URL: canonical}}
	}
	keep := func(original string) bool { return isTwitterProfile(original, handle) }
	prefix := func(u string) cdxQuery {
		return cdxQuery{URL: u, Prefix: true, ExcludeStatuses: true, Keep: keep}
	}
	return []cdxQuery{
		prefix("twitter.com:80/" + handle),
		prefix("twitter.com/" + handle + "/"),
		prefix("twitter.com/" + handle),
		{URL: "https://twitter.com/" + handle},
		prefix("www.twitter.com/" + handle),
		prefix("http://twitter.com:80/" + handle),
		prefix("x.com:80/" + handle),
		prefix("x.com/" + handle + "/"),
		prefix("x.com/" + handle),
		{URL: "https://x.com/" + handle},
		prefix("www.x.com/" + handle),
	}
}

func youtubeVariants(canonical string) []cdxQuery {
	out := []cdxQuery{{URL: canonical}}
	lower := strings.ToLower(canonical)
	var handle string
	for _, marker := range []string{"/@", "/user/", "/c/"} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			handle = strings.TrimRight(strings.SplitN(canonical[idx+len(marker):], "?", 2)[0], "/")
			break
		}
	}
	if handle == "" {
		return out
	}
	for _, u := range []string{
		"youtube.com:80/user/" + handle,
		"youtube.com:80/c/" + handle,
		"youtube.com:80/@" + handle,
		"youtube.com/user/" + handle + "/",
		"youtube.com/c/" + handle + "/",
		"youtube.com/@" + handle + "/",
		"www.youtube.com/user/" + handle,
		"www.youtube.com/c/" + handle,
	} {
		out = append(out, cdxQuery{URL: u, Prefix: true})
	}
	out = append(out,
		cdxQuery{URL: "https://www.youtube.com/user/" + handle},
		cdxQuery{URL: "http://youtube.com:80/user/" + handle, Prefix: true},
		cdxQuery{URL: "http://www.youtube.com:80/user/" + handle, Prefix: true},
	)
	return out
}

// isTwitterProfile reports whether original is the profile page of handle
// rather than a tweet, follower list or other sub page.
func isTwitterProfile(original, handle string) bool {
	if original == "" || handle == "" {
		return false
	}
	path := strings.SplitN(strings.SplitN(original, "?", 2)[0], "#", 2)[0]
	lower := strings.ToLower(path)
	for _, host := range []string{"twitter.com", "x.com"} {
		if idx := strings.Index(lower, host); idx >= 0 {
			path = path[idx+len(host):]
			break
		}
	}
	path = portPrefix.ReplaceAllString(path, "")
	var parts []string
	for _, p := range strings.Split(strings.Trim(path, "/"), "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return len(parts) == 1 && strings.EqualFold(parts[0], handle)
}

// pathAfter returns the first path segment following host in u.
func pathAfter(u, host string) string {
	idx := strings.Index(strings.ToLower(u), host)
	if idx < 0 {
		return ""
	}
	rest := strings.SplitN(u[idx+len(host):], "?", 2)[0]
	rest = strings.Trim(rest, "/")
	return strings.SplitN(rest, "/", 2)[0]
}
