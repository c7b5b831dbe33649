package domain

import (
	"regexp"
	"strings"
)

var (
	instagramHandle = regexp.MustCompile(`^[A-Za-z0-9._]{1,64}$`)
	twitterHandle   = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)
)

// NormalizeIdentity turns a handle, @handle or profile URL into the stored
// identity and the profile URL looked up in the archive.
func NormalizeIdentity(platform Platform, raw string) (identity, canonicalURL string, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", &ValidationError{Field: "identity", Reason: "identity is required"}
	}

	switch platform {
	case PlatformInstagram:
		identity = firstSegment(afterHost(s, "instagram.com/"))
		if !instagramHandle.MatchString(identity) {
			break
		}
		return identity, "https://www.instagram.com/" + identity + "/", nil
	case PlatformTwitter:
		rest := afterHost(s, "twitter.com/")
		if rest == s {
			rest = afterHost(s, "x.com/")
		}
		identity = firstSegment(rest)
		if !twitterHandle.MatchString(identity) {
			break
		}
		return identity, "https://twitter.com/" + identity, nil
	case PlatformYouTube:
		return normalizeYouTube(s)
	default:
		return "", "", &ValidationError{Field: "platform", Reason: "unsupported platform"}
	}
	return "", "", &ValidationError{Field: "identity", Reason: "cannot derive a profile from " + quote(s)}
}

func normalizeYouTube(s string) (string, string, error) {
	lower := strings.ToLower(s)
	if strings.Contains(lower, "youtube.com/") {
		path := strings.TrimRight(strings.SplitN(afterHost(s, "youtube.com/"), "?", 2)[0], "/")
		if path == "" {
			return "", "", &ValidationError{Field: "identity", Reason: "missing channel path"}
		}
		parts := strings.Split(path, "/")
		switch strings.ToLower(parts[0]) {
		case "channel", "user", "c":
			if len(parts) < 2 || parts[1] == "" {
				return "", "", &ValidationError{Field: "identity", Reason: "missing channel name"}
			}
			id := strings.ToLower(parts[0]) + "/" + parts[1]
			return id, "https://www.youtube.com/" + id, nil
		}
		if strings.HasPrefix(parts[0], "@") && len(parts[0]) > 1 {
			return parts[0], "https://www.youtube.com/" + parts[0], nil
		}
		return "", "", &ValidationError{Field: "identity", Reason: "unrecognised channel URL " + quote(s)}
	}
	if strings.Contains(lower, "youtu.be/") {
		return "", "", &ValidationError{Field: "identity", Reason: "video links do not identify a channel"}
	}
	handle := strings.TrimLeft(strings.Fields(s)[0], "@")
	handle = strings.TrimRight(handle, "/")
	if handle == "" {
		return "", "", &ValidationError{Field: "identity", Reason: "identity is required"}
	}
	return "@" + handle, "https://www.youtube.com/@" + handle, nil
}

// afterHost returns what follows host in s, or s unchanged when host is absent.
func afterHost(s, host string) string {
	idx := strings.Index(strings.ToLower(s), host)
	if idx < 0 {
		return s
	}
	return s[idx+len(host):]
}

func firstSegment(s string) string {
	s = strings.SplitN(s, "?", 2)[0]
	s = strings.SplitN(s, "#", 2)[0]
	s = strings.Trim(s, "/")
	if s == "" {
		return ""
	}
	s = strings.Split(s, "/")[0]
	fields := strings.Fields(strings.TrimLeft(s, "@"))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func quote(s string) string {
	return "\"" + s + "\""
}
