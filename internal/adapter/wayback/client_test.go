package wayback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalmap/waybackd/internal/domain"
)

type countingLimiter struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return ctx.Err()
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *countingLimiter) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	lim := &countingLimiter{}
	c := New(Config{
		CDXURL:  srv.URL + "/cdx/search/cdx",
		WebURL:  srv.URL,
		Timeout: 5 * time.Second,
	}, lim, nil, nil)
	return c, lim
}

const cdxHeader = `["timestamp","original","statuscode","mimetype"]`

func TestListCandidatesInstagramStopsAtFirstVariant(t *testing.T) {
	var queried []string
	c, lim := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		queried = append(queried, q.Get("url"))
		if q.Get("output") != "json" || q.Get("collapse") != "timestamp:8" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if got := q["filter"]; len(got) != 2 || got[0] != "statuscode:200" || got[1] != "mimetype:text/html" {
			t.Errorf("filter = %v", got)
		}
		if q.Get("from") != "2012" || q.Get("to") != "2026" {
			t.Errorf("from/to = %s/%s", q.Get("from"), q.Get("to"))
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("User-Agent not set")
		}
		if q.Get("url") != "https://www.instagram.com/acct/" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[` + cdxHeader + `,
			["20150101000000","https://www.instagram.com/acct/","200","text/html"],
			["20120101000000","http://instagram.com/acct","200","text/html"],
			["20120101000000","https://www.instagram.com/acct/","200","text/html"],
			["bogus","https://www.instagram.com/acct/","200","text/html"]]`))
	})

	got, err := c.ListCandidates(context.Background(), domain.PlatformInstagram,
		"https://www.instagram.com/acct/", domain.Range{FromYear: 2012, ToYear: 2026})
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(queried) != 1 || lim.calls != 1 {
		t.Errorf("queried %v with %d limiter waits, want one variant", queried, lim.calls)
	}
	want := []domain.Candidate{
		{Timestamp: "20120101000000", OriginalURL: "https://www.instagram.com/acct/"},
		{Timestamp: "20150101000000", OriginalURL: "https://www.instagram.com/acct/"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestListCandidatesInstagramFallsBackToVariants(t *testing.T) {
	var queried []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		u := r.URL.Query().Get("url")
		queried = append(queried, u)
		if u == "https://www.instagram.com/acct" {
			w.Write([]byte(`[` + cdxHeader + `,["20160101000000","https://www.instagram.com/acct","200","text/html"]]`))
			return
		}
		w.Write(nil)
	})

	got, err := c.ListCandidates(context.Background(), domain.PlatformInstagram, "https://www.instagram.com/acct/", domain.Range{})
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %v, want one candidate", got)
	}
	if len(queried) != 3 {
		t.Errorf("queried %v, want stop after third variant", queried)
	}
}

func TestListCandidatesTwitterMergesProfilePagesOnly(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("url") {
		case "twitter.com/jack":
			if q.Get("matchType") != "prefix" {
				t.Errorf("matchType = %q, want prefix", q.Get("matchType"))
			}
			w.Write([]byte(`[` + cdxHeader + `,
				["20100101000000","http://twitter.com/jack","200","text/html"],
				["20100202000000","http://twitter.com/jack/status/20","200","text/html"],
				["20100303000000","http://twitter.com/jack/followers","200","text/html"]]`))
		case "x.com/jack":
			w.Write([]byte(`[` + cdxHeader + `,["20240101000000","https://x.com/jack","200","text/html"]]`))
		default:
			w.Write([]byte(`[]`))
		}
	})

	got, err := c.ListCandidates(context.Background(), domain.PlatformTwitter, "https://twitter.com/jack", domain.Range{})
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(got) != 2 || got[0].Timestamp != "20100101000000" || got[1].Timestamp != "20240101000000" {
		t.Fatalf("got %v", got)
	}
}

func TestListCandidatesErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"bad request is skipped", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
			})
			got, err := c.ListCandidates(context.Background(), domain.PlatformInstagram, "https://www.instagram.com/acct/", domain.Range{})
			if !tt.wantTransient {
				if err != nil || len(got) != 0 {
					t.Fatalf("got %v, %v; want no candidates and no error", got, err)
				}
				return
			}
			var te *domain.TransientError
			if !errors.As(err, &te) {
				t.Fatalf("error = %v, want TransientError", err)
			}
			if te.StatusCode != tt.status || te.RetryAfter != 7*time.Second {
				t.Errorf("TransientError = %+v", te)
			}
		})
	}
}

func TestFetchAndExtract(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     int64
		wantConf float64
		wantErr  func(error) bool
	}{
		{
			name:     "meta description",
			status:   http.StatusOK,
			body:     `<html><head><meta property="og:description" content="1,234 Followers, 56 Following, 78 Posts - See photos"></head><body></body></html>`,
			want:     1234,
			wantConf: 0.75,
		},
		{
			name:     "visible text",
			status:   http.StatusOK,
			body:     `<html><body><script>var x="9 followers";</script><span>12.5k followers</span> <span>300 following</span> <span>40 posts</span></body></html>`,
			want:     12500,
			wantConf: 0.55,
		},
		{
			name:   "no metric",
			status: http.StatusOK,
			body:   `<html><body>Page not available</body></html>`,
		},
		{
			name:   "confirmed absence",
			status: http.StatusNotFound,
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			wantErr: domain.IsTransient,
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			wantErr: func(err error) bool {
				var pe *domain.PermanentError
				return errors.As(err, &pe) && pe.StatusCode == http.StatusForbidden
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/web/20150101000000/https://www.instagram.com/acct/" {
					t.Errorf("path = %q", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			res, err := c.FetchAndExtract(context.Background(), domain.PlatformInstagram, domain.Candidate{
				Timestamp:   "20150101000000",
				OriginalURL: "https://www.instagram.com/acct/",
			})
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("error = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchAndExtract: %v", err)
			}
			if !strings.HasSuffix(res.ArchivedURL, "/web/20150101000000/https://www.instagram.com/acct/") {
				t.Errorf("ArchivedURL = %q", res.ArchivedURL)
			}
			if tt.want == 0 {
				if res.HasValue() || res.Confidence != 0 {
					t.Errorf("result = %+v, want no value", res)
				}
				return
			}
			if !res.HasValue() || *res.Value != tt.want || res.Confidence != tt.wantConf {
				t.Errorf("result value=%v conf=%v, want %d %v", res.Value, res.Confidence, tt.want, tt.wantConf)
			}
			if res.Source != domain.SourceFetched {
				t.Errorf("Source = %q", res.Source)
			}
			if res.Following == nil || res.Posts == nil {
				t.Errorf("following/posts not carried: %v/%v", res.Following, res.Posts)
			}
		})
	}
}

func TestFetchAndExtractHonoursContext(t *testing.T) {
	c, lim := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent after cancellation")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchAndExtract(ctx, domain.PlatformTwitter, domain.Candidate{Timestamp: "20150101000000", OriginalURL: "https://twitter.com/jack"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if lim.calls != 1 {
		t.Errorf("limiter calls = %d", lim.calls)
	}
}
