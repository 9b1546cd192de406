// Package site holds the selector profile of the target classifieds site. The
// defaults describe olx.pt; a YAML file can replace any chain when the markup
// changes.
package site

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maltedev/olx-scraper/internal/fetch"
	"github.com/maltedev/olx-scraper/internal/selector"
)

type Profile struct {
	Name string `yaml:"name"`
	// Host restricts accepted listing links, e.g. "olx.pt". Empty accepts any.
	Host     string `yaml:"host"`
	EntryURL string `yaml:"entry_url"`
	// CanaryURL is fetched through candidate proxies; CanaryMarker must appear
	// in a healthy response.
	CanaryURL    string   `yaml:"canary_url"`
	CanaryMarker string   `yaml:"canary_marker"`
	BlockMarkers []string `yaml:"block_markers"`
	PageParam    string   `yaml:"page_param"`

	Consent       selector.Chain `yaml:"consent"`
	LoginTrigger  selector.Chain `yaml:"login_trigger"`
	EmailField    selector.Chain `yaml:"email_field"`
	PasswordField selector.Chain `yaml:"password_field"`
	Submit        selector.Chain `yaml:"submit"`
	LoggedIn      selector.Chain `yaml:"logged_in"`

	Container  selector.Chain `yaml:"container"`
	Link       selector.Chain `yaml:"link"`
	Title      selector.Chain `yaml:"title"`
	Price      selector.Chain `yaml:"price"`
	Seller     selector.Chain `yaml:"seller"`
	NextPage   selector.Chain `yaml:"next_page"`
	PhoneShow  selector.Chain `yaml:"phone_reveal"`
	PhoneValue selector.Chain `yaml:"phone_value"`
}

// OLX returns the profile for olx.pt.
func OLX() *Profile {
	css := selector.Css
	return &Profile{
		Name:         "olx.pt",
		Host:         "olx.pt",
		EntryURL:     "https://www.olx.pt/",
		CanaryURL:    "https://www.olx.pt/",
		CanaryMarker: "OLX",
		BlockMarkers: fetch.DefaultBlockMarkers,
		PageParam:    "page",

		Consent: selector.NewChain("consent",
			css(`#onetrust-accept-btn-handler`),
			css(`button[data-testid="cookie-policy-dialog-accept-button"]`),
			css(`button.fc-button-accept-all`),
			css(`button[data-testid="button.accept"]`),
			css(`button.css-47sehv`),
			css(`button[aria-label="Aceitar todos os cookies"]`),
			css(`button[data-role="accept-consent"]`),
			css(`button.fc-cta-consent`),
		),
		LoginTrigger: selector.NewChain("login_trigger",
			css(`a[data-cy="myolx-link"]`),
			css(`a[href*="/account/"]`),
			css(`button[data-testid="myaccount-link"]`),
			css(`a[href*="login"]`),
		),
		EmailField: selector.NewChain("email",
			css(`input[data-testid="email-input"]`),
			css(`input[type="email"]`),
			css(`input[name="email"]`),
			css(`input#email`),
		),
		PasswordField: selector.NewChain("password",
			css(`input[data-testid="password-input"]`),
			css(`input[type="password"]`),
			css(`input[name="password"]`),
			css(`input#password`),
		),
		Submit: selector.NewChain("submit",
			css(`button[data-testid="login-submit-button"]`),
			css(`button[type="submit"]`),
			css(`input[type="submit"]`),
			css(`button.submit-button`),
		),
		LoggedIn: selector.NewChain("logged_in",
			css(`[data-testid="myaccount-link-logged"]`),
			css(`[data-testid="user-menu"]`),
			css(`[data-testid="profile-icon"]`),
		),

		Container: selector.NewChain("container",
			css(`div[data-testid="listing-grid"] > div[data-testid="listing-card"]`),
			css(`div[data-cy="l-card"]`),
			css(`div.css-1sw7q4x`),
		),
		Link: selector.NewChain("link",
			selector.CssAttr(`a[data-testid="listing-link"]`, "href"),
			selector.CssAttr(`a[data-cy="listing-link"]`, "href"),
			selector.CssAttr(`a[href*="/d/"]`, "href"),
		),
		Title: selector.NewChain("name",
			css(`h6[data-testid="ad-title"]`),
			css(`h6.css-16v5mdi`),
			css(`div[data-testid="ad-title"] h6`),
		),
		Price: selector.NewChain("price",
			css(`span[data-testid="ad-price"]`),
			css(`p[data-testid="ad-price"]`),
			css(`span.css-dpj1m8`),
		),
		Seller: selector.NewChain("seller_name",
			css(`span[data-testid="seller-name"]`),
			css(`div[data-testid="seller-name"]`),
			css(`span.css-1wlgw7s`),
		),
		NextPage: selector.NewChain("next_page",
			css(`a.next-page:not(.disabled)`),
			css(`a.pagination-next:not(.disabled)`),
			css(`a[rel="next"]`),
			css(`a[data-testid="pagination-forward"]`),
		),
		PhoneShow: selector.NewChain("phone_reveal",
			selector.X(`//button[contains(@data-testid,'reveal-phone')]`),
			selector.X(`//button[contains(@data-testid,'show-phone')]`),
			selector.X(`//button[contains(text(),'Mostrar contacto')]`),
			selector.X(`//button[contains(text(),'Mostrar número')]`),
		),
		PhoneValue: selector.NewChain("seller_phone",
			selector.X(`//span[contains(@data-testid,'contact-phone')]`),
			selector.X(`//div[contains(@data-testid,'seller-phone')]//span`),
			selector.XAttr(`//a[contains(@href,'tel:')]`, "href"),
			selector.X(`//div[contains(@class,'css-1e7vj83')]//span`),
		),
	}
}

// Load reads a YAML profile from path. Fields absent from the file keep the
// olx.pt defaults.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	p := OLX()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that the required chains have usable locators.
func (p *Profile) Validate() error {
	required := map[string]selector.Chain{
		"container":   p.Container,
		"link":        p.Link,
		"title":       p.Title,
		"phone_value": p.PhoneValue,
	}
	for name, chain := range required {
		if len(chain.Locators) == 0 {
			return fmt.Errorf("chain %s has no locators", name)
		}
		for _, loc := range chain.Locators {
			if strings.TrimSpace(loc.Expr) == "" {
				return fmt.Errorf("chain %s has an empty locator", name)
			}
			if k := loc.Normalized().Kind; k != selector.CSS && k != selector.XPath {
				return fmt.Errorf("chain %s: unsupported locator kind %q", name, k)
			}
		}
	}
	if p.PageParam == "" {
		return fmt.Errorf("page_param is required")
	}
	return nil
}

// AllowsLink reports whether link belongs to the profile host.
func (p *Profile) AllowsLink(link string) bool {
	if p.Host == "" {
		return true
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == p.Host || strings.HasSuffix(host, "."+p.Host)
}
