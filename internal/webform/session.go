// Package webform submits events to sites that only offer HTML forms: an
// anonymous community board and an authenticated admin panel with a
// multi-step wizard. Both are push-only; what was submitted cannot be read
// back.
package webform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// form is a parsed HTML form: where it posts and the hidden fields (CSRF
// tokens, wizard state) that must be sent back.
type form struct {
	Action string
	Hidden url.Values
}

// page is a fetched HTML document and the URL it was served from after
// redirects.
type page struct {
	Doc *goquery.Document
	URL *url.URL
}

// session is a cookie-carrying HTML client for one configuration.
type session struct {
	provider  model.ProviderType
	rest      *resty.Client
	loginPath string
}

func newSession(t model.ProviderType, hc *http.Client, baseURL string) (*session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	// Each session owns its cookies; never mutate a shared client.
	own := &http.Client{Timeout: provider.DefaultTimeout}
	if hc != nil {
		clone := *hc
		own = &clone
	}
	own.Jar = jar
	rest := provider.NewRESTClient(own, baseURL).
		SetHeader("Accept", "text/html,application/xhtml+xml")
	return &session{provider: t, rest: rest}, nil
}

// get fetches an HTML page.
func (s *session) get(ctx context.Context, op, path string) (*page, error) {
	resp, err := s.rest.R().SetContext(ctx).Get(path)
	return s.page(op, resp, err)
}

// submit posts the form with its hidden fields merged under values.
func (s *session) submit(ctx context.Context, op string, f *form, values url.Values) (*page, error) {
	data := url.Values{}
	for k, v := range f.Hidden {
		data[k] = append([]string(nil), v...)
	}
	for k, v := range values {
		data[k] = v
	}
	resp, err := s.rest.R().SetContext(ctx).SetFormDataFromValues(data).Post(f.Action)
	return s.page(op, resp, err)
}

func (s *session) page(op string, resp *resty.Response, err error) (*page, error) {
	if err := provider.CheckResponse(s.provider, op, resp, err); err != nil {
		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusForbidden {
			// Expired CSRF sessions answer 403.
			httpErr.StatusCode = http.StatusUnauthorized
		}
		return nil, err
	}
	final := resp.RawResponse.Request.URL
	if s.loginPath != "" && final.Path == s.loginPath && !strings.HasSuffix(op, "login") {
		return nil, &provider.HTTPError{Provider: s.provider, Operation: op, StatusCode: http.StatusUnauthorized, Body: "session expired"}
	}
	doc, derr := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if derr != nil {
		return nil, fmt.Errorf("%s %s: parsing page: %w", s.provider, op, derr)
	}
	return &page{Doc: doc, URL: final}, nil
}

// form finds the form matching selector and resolves its action against the
// page URL. A missing action posts back to the page itself.
func (p *page) form(selector string) (*form, error) {
	sel := p.Doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("form %q not found on %s", selector, p.URL.Path)
	}
	action := p.URL
	if raw, ok := sel.Attr("action"); ok && raw != "" {
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("form %q: invalid action %q: %w", selector, raw, err)
		}
		action = p.URL.ResolveReference(ref)
	}

	hidden := url.Values{}
	sel.Find(`input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := in.Attr("value")
		hidden.Add(name, value)
	})
	return &form{Action: action.String(), Hidden: hidden}, nil
}

// reference extracts the identifier a confirmation page assigns to the
// submission: a data attribute first, then the last path segment of the
// final URL when it matches prefix. Form pages listed in forms are never
// detail pages, so a submission that re-renders one of them has no
// reference.
func (p *page) reference(attr, prefix string, forms ...string) string {
	if v, ok := p.Doc.Find("[" + attr + "]").First().Attr(attr); ok && v != "" {
		return v
	}
	if prefix == "" || !strings.HasPrefix(p.URL.Path, prefix) {
		return ""
	}
	final := strings.TrimSuffix(p.URL.Path, "/")
	for _, f := range forms {
		if u, err := url.Parse(f); err == nil && strings.TrimSuffix(u.Path, "/") == final {
			return ""
		}
	}
	rest := strings.Trim(strings.TrimPrefix(p.URL.Path, prefix), "/")
	if rest != "" && !strings.Contains(rest, "/") {
		return rest
	}
	return ""
}

// errorText returns the first validation message on a re-rendered form.
func (p *page) errorText() string {
	return strings.TrimSpace(p.Doc.Find(".error, .alert-danger, [role=alert]").First().Text())
}
