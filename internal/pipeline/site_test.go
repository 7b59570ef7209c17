package pipeline

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type photo struct {
	id     string
	author string
	body   []byte
}

// fakeSite serves listing pages, detail pages and image bytes in the markup
// the extractor expects.
type fakeSite struct {
	srv *httptest.Server

	mu            sync.Mutex
	pages         map[int][]photo
	lastPage      int
	listingStatus map[int]int
	slowListing   map[int]bool
	imageStatus   map[string]int
	profiles      map[string]string
	hits          map[string]int
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	s := &fakeSite{
		pages:         make(map[int][]photo),
		listingStatus: make(map[int]int),
		slowListing:   make(map[int]bool),
		imageStatus:   make(map[string]int),
		profiles:      make(map[string]string),
		hits:          make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeSite) listingTemplate() string {
	return s.srv.URL + "/list?page_offset={offset}"
}

func (s *fakeSite) addPage(offset int, photos ...photo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[offset] = photos
	s.lastPage = max(s.lastPage, offset)
}

func (s *fakeSite) setImageStatus(id string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.imageStatus, id)
		return
	}
	s.imageStatus[id] = code
}

// setProfile serves a details page with bio for author.
func (s *fakeSite) setProfile(author, bio string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[author] = bio
}

func (s *fakeSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func imagePath(id string) string { return "/img/" + id + "_xxl.jpg" }

func listingPath(offset int) string { return "/list?page_offset=" + strconv.Itoa(offset) }

func (s *fakeSite) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	s.hits[key]++
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/list":
		s.serveListing(w, r)
	case strings.HasPrefix(r.URL.Path, "/img/"):
		s.serveImage(w, r)
	case strings.Contains(r.URL.Path, "/image/"):
		s.serveDetail(w, r)
	case strings.HasSuffix(r.URL.Path, "/details"):
		s.serveProfile(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeSite) serveListing(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.Atoi(r.URL.Query().Get("page_offset"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	photos, ok := s.pages[offset]
	status := s.listingStatus[offset]
	slow := s.slowListing[offset]
	last := s.lastPage
	s.mu.Unlock()

	if slow {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	var b strings.Builder
	b.WriteString("<html><body><div class=\"results\">\n")
	for _, p := range photos {
		source := "https://cdn.example.com/" + p.id + "_l.jpg"
		detail := s.srv.URL + "/" + p.author + "/image/" + p.id
		href := "https://www.tumblr.com/share/photo?source=" + doubleEscape(source) +
			"&caption=" + doubleEscape("photo "+p.id) +
			"&clickthru=" + doubleEscape(detail)
		fmt.Fprintf(&b, "<a href=\"%s\">share</a>\n", html.EscapeString(href))
	}
	fmt.Fprintf(&b, "</div><div class=\"pager\"><a href=\"/list?page_offset=%d\">last</a></div></body></html>", last)
	_, _ = w.Write([]byte(b.String()))
}

func (s *fakeSite) serveDetail(w http.ResponseWriter, r *http.Request) {
	p, ok := s.find(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
	if !ok {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, `<html><head><meta property="og:title" content="Photo %[1]s" /></head><body>
<span class="photo-author"><a href="/%[2]s">%[2]s</a></span>
<span class="photo-license">CC BY 2.5</span>
<span class="photo-date">2012. jan. 5.</span>
<a href="%[3]s">Eredeti méret</a>
<ul><li><a href="/tag/test">test (3)</a></li></ul>
</body></html>`, p.id, p.author, imagePath(p.id))
}

func (s *fakeSite) serveProfile(w http.ResponseWriter, r *http.Request) {
	author := strings.Trim(strings.TrimSuffix(r.URL.Path, "/details"), "/")
	s.mu.Lock()
	bio, ok := s.profiles[author]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, `<html><body><table class="user-properties">
<tr><th>Bemutatkozás:</th><td>%s</td></tr>
<tr><th>Regisztrált:</th><td>2010.05.01.</td></tr>
<tr><th>Képei:</th><td><a href="/%s/images">42 db</a></td></tr>
</table></body></html>`, html.EscapeString(bio), author)
}

func (s *fakeSite) serveImage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/img/"), "_xxl.jpg")
	s.mu.Lock()
	status := s.imageStatus[id]
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	p, ok := s.find(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(p.body)
}

func (s *fakeSite) find(id string) (photo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, photos := range s.pages {
		for _, p := range photos {
			if p.id == id {
				return p, true
			}
		}
	}
	return photo{}, false
}

func doubleEscape(v string) string {
	return url.QueryEscape(url.QueryEscape(v))
}

func newPhoto(id, author string) photo {
	return photo{id: id, author: author, body: []byte("jpeg-bytes-" + id)}
}
