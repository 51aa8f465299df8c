package session

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Identity provider selectors.
const (
	SelectorSSOButton = "#btnSsoPdpj"
	SelectorUsername  = "#username"
	SelectorPassword  = "#password"
	SelectorSubmit    = "#kc-login"
	SelectorOTP       = `#otp, input[name="otp"]`
	SelectorErrors    = `.pf-c-alert__description, .kc-feedback-text, .alert-error, [role="alert"]`
)

// LoginPage is what the identity provider is currently showing.
type LoginPage struct {
	ErrorMessage    string
	OTPRequested    bool
	CredentialsForm bool
}

// Rejected reports whether the page carries an error banner.
func (p *LoginPage) Rejected() bool {
	return p.ErrorMessage != ""
}

// ParseLoginPage inspects identity provider HTML.
func ParseLoginPage(html string) (*LoginPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}

	page := &LoginPage{
		OTPRequested:    doc.Find(SelectorOTP).Length() > 0,
		CredentialsForm: doc.Find(SelectorUsername).Length() > 0 && doc.Find(SelectorPassword).Length() > 0,
	}

	var messages []string
	doc.Find(SelectorErrors).Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" {
			messages = append(messages, text)
		}
	})
	page.ErrorMessage = strings.Join(messages, "; ")
	return page, nil
}
