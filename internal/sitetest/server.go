// Package sitetest serves a small classifieds site with the markup of the
// olx.pt profile. It backs the crawler, session, detail and pipeline tests.
package sitetest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/maltedev/olx-scraper/internal/site"
)

type Server struct {
	*httptest.Server

	// Pages is the number of result pages with listings. PerPage listings
	// are served on each of them.
	Pages   int
	PerPage int
	// EndlessNext renders a next-page link on every page.
	EndlessNext bool
	// Repeat renders the last listing of the previous page again.
	Repeat bool
	// Broken listings are rendered without a title.
	Broken map[int]bool
	// Foreign listings link to another host.
	Foreign map[int]bool
	// Failures makes the given result page answer 503 that many times.
	Failures map[int]int
	// Phone returns the phone shown after the n-th reveal (1-based) of a
	// listing; "" renders no phone.
	Phone func(id, reveal int) string

	Email    string
	Password string
	// InertSubmit renders a login button that does nothing.
	InertSubmit bool

	mu       sync.Mutex
	hits     map[string]int
	reveals  map[int]int
	consents int
}

func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		Pages:    1,
		PerPage:  5,
		Broken:   map[int]bool{},
		Foreign:  map[int]bool{},
		Failures: map[int]int{},
		Phone: func(id, _ int) string {
			return fmt.Sprintf("+351 912 000 %03d", id)
		},
		Email:    "ana@example.pt",
		Password: "s3gredo",
		hits:     map[string]int{},
		reveals:  map[int]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.entry)
	mux.HandleFunc("POST /consent", s.consent)
	mux.HandleFunc("GET /account/", s.account)
	mux.HandleFunc("POST /login", s.login)
	mux.HandleFunc("GET /ads/", s.results)
	mux.HandleFunc("GET /d/anuncio/{slug}", s.detail)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Profile returns the olx.pt profile pointed at this server.
func (s *Server) Profile() *site.Profile {
	p := site.OLX()
	u, _ := url.Parse(s.URL)
	p.Host = u.Hostname()
	p.EntryURL = s.URL + "/"
	p.CanaryURL = s.URL + "/"
	return p
}

func (s *Server) SearchURL() string {
	return s.URL + "/ads/"
}

// Hits reports how often a path (including query) was requested.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Reveals reports how often the phone of a listing was revealed.
func (s *Server) Reveals(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reveals[id]
}

func (s *Server) Consents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consents
}

// Total is the number of listings across all result pages.
func (s *Server) Total() int {
	return s.Pages * s.PerPage
}

func (s *Server) hit(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[r.URL.RequestURI()]++
}

func consented(r *http.Request) bool {
	_, err := r.Cookie("consent")
	return err == nil
}

// banner uses the third consent locator of the profile.
func banner(r *http.Request) string {
	if consented(r) {
		return ""
	}
	return fmt.Sprintf(`<form method="post" action="/consent">
		<input type="hidden" name="back" value="%s">
		<button class="fc-button-accept-all">Aceitar</button>
	</form>`, r.URL.RequestURI())
}

func page(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>OLX.pt</title></head><body>%s</body></html>`, body)
}

func (s *Server) entry(w http.ResponseWriter, r *http.Request) {
	s.hit(r)
	page(w, banner(r)+`<header><a data-cy="myolx-link" href="/account/">A minha conta</a></header>`)
}

func (s *Server) consent(w http.ResponseWriter, r *http.Request) {
	s.hit(r)
	s.mu.Lock()
	s.consents++
	s.mu.Unlock()

	back := r.FormValue("back")
	if back == "" || !strings.HasPrefix(back, "/") {
		back = "/"
	}
	http.SetCookie(w, &http.Cookie{Name: "consent", Value: "1", Path: "/"})
	http.Redirect(w, r, back, http.StatusSeeOther)
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	s.hit(r)
	page(w, s.loginForm(""))
}

func (s *Server) loginForm(msg string) string {
	button := `<button data-testid="login-submit-button" type="submit">Entrar</button>`
	if s.InertSubmit {
		button = `<button data-testid="login-submit-button" type="button">Entrar</button>`
	}
	return fmt.Sprintf(`<p class="error">%s</p><form method="post" action="/login">
		<input type="email" name="email">
		<input type="password" name="password">
		%s
	</form>`, msg, button)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.hit(r)
	if r.FormValue("email") != s.Email || r.FormValue("password") != s.Password {
		page(w, s.loginForm("Credenciais inválidas"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "auth", Value: "ok", Path: "/"})
	page(w, `<nav><div data-testid="user-menu">Ana</div></nav>`)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	s.hit(r)

	n := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, _ = strconv.Atoi(v)
	}

	s.mu.Lock()
	fail := s.Failures[n] > 0
	if fail {
		s.Failures[n]--
	}
	s.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var b strings.Builder
	b.WriteString(`<div data-testid="listing-grid-wrapper">`)
	if n >= 1 && n <= s.Pages {
		first := (n-1)*s.PerPage + 1
		if s.Repeat && n > 1 {
			b.WriteString(s.card(first - 1))
		}
		for id := first; id < first+s.PerPage; id++ {
			b.WriteString(s.card(id))
		}
	}
	b.WriteString(`</div>`)

	if n < s.Pages || s.EndlessNext {
		fmt.Fprintf(&b, `<a rel="next" href="/ads/?page=%d">Seguinte</a>`, n+1)
	}
	page(w, b.String())
}

func (s *Server) card(id int) string {
	href := fmt.Sprintf("/d/anuncio/item-%d.html", id)
	if s.Foreign[id] {
		href = fmt.Sprintf("https://www.standvirtual.com/anuncio/item-%d.html", id)
	}
	title := fmt.Sprintf(`<h6 class="css-16v5mdi">Artigo %d</h6>`, id)
	if s.Broken[id] {
		title = ""
	}
	return fmt.Sprintf(`<div data-cy="l-card">
		<a data-cy="listing-link" href="%s">%s</a>
		<p data-testid="ad-price">%d,50 €</p>
		<span data-testid="seller-name">Vendedor %d</span>
	</div>`, href, title, id*10, id)
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	s.hit(r)

	var id int
	if _, err := fmt.Sscanf(r.PathValue("slug"), "item-%d.html", &id); err != nil {
		http.NotFound(w, r)
		return
	}

	body := banner(r) + fmt.Sprintf(`<h1>Artigo %d</h1>
		<form action="/d/anuncio/item-%d.html">
			<input type="hidden" name="reveal" value="1">
			<button data-testid="ad-contact-show-phone">Mostrar telefone</button>
		</form>`, id, id)

	if r.URL.Query().Get("reveal") == "1" {
		s.mu.Lock()
		s.reveals[id]++
		nth := s.reveals[id]
		s.mu.Unlock()

		if phone := s.Phone(id, nth); phone != "" {
			body += fmt.Sprintf(`<span data-testid="contact-phone">%s</span>`, phone)
		}
	}
	page(w, body)
}
