// Package directory authenticates identities against an LDAP directory.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/router-for-me/ChatRelay/internal/config"
)

const dialTimeout = 5 * time.Second

// ErrNotAuthenticated means the directory did not vouch for the credentials.
var ErrNotAuthenticated = errors.New("directory: not authenticated")

// Entry is the directory record a successful login resolved to.
type Entry struct {
	DN       string
	Username string
}

// Authenticator verifies a username and secret against a directory.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*Entry, error)
}

// conn is the subset of *ldap.Conn used here.
type conn interface {
	Bind(username, password string) error
	Search(request *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(cfg *tls.Config) error
	SetTimeout(timeout time.Duration)
}

type dialFunc func(ctx context.Context, rawURL string) (conn, func(), error)

// LDAP authenticates with a service bind, a templated search, and a user re-bind.
type LDAP struct {
	cfg  config.LDAPConfig
	dial dialFunc
}

// NewLDAP constructs an LDAP authenticator.
func NewLDAP(cfg config.LDAPConfig) *LDAP {
	return &LDAP{cfg: cfg, dial: dialLDAP}
}

func dialLDAP(ctx context.Context, rawURL string) (conn, func(), error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	c, errDial := ldap.DialURL(rawURL, ldap.DialWithDialer(dialer))
	if errDial != nil {
		return nil, nil, errDial
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.SetTimeout(time.Until(deadline))
	}
	return c, func() { c.Close() }, nil
}

// Authenticate returns the matched entry when username/password bind successfully.
func (d *LDAP) Authenticate(ctx context.Context, username, password string) (*Entry, error) {
	if d == nil || !d.cfg.Enabled() {
		return nil, fmt.Errorf("%w: directory disabled", ErrNotAuthenticated)
	}
	username = strings.TrimSpace(username)
	// An empty password would turn the verification bind into an unauthenticated bind.
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: empty credentials", ErrNotAuthenticated)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c, closeConn, errDial := d.dial(ctx, d.cfg.URL)
	if errDial != nil {
		return nil, fmt.Errorf("directory: dial: %w", errDial)
	}
	defer closeConn()

	if d.cfg.StartTLS {
		if errTLS := c.StartTLS(&tls.Config{ServerName: hostOf(d.cfg.URL)}); errTLS != nil {
			return nil, fmt.Errorf("directory: start tls: %w", errTLS)
		}
	}
	if errBind := c.Bind(d.cfg.BindDN, d.cfg.BindPassword); errBind != nil {
		return nil, fmt.Errorf("directory: service bind: %w", errBind)
	}

	filter := strings.ReplaceAll(d.cfg.Filter, "{{username}}", ldap.EscapeFilter(username))
	request := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2,
		int(dialTimeout/time.Second),
		false,
		filter,
		[]string{"dn"},
		nil,
	)
	result, errSearch := c.Search(request)
	if errSearch != nil {
		return nil, fmt.Errorf("directory: search: %w", errSearch)
	}
	if len(result.Entries) != 1 {
		return nil, fmt.Errorf("%w: %d entries matched", ErrNotAuthenticated, len(result.Entries))
	}

	dn := result.Entries[0].DN
	if errBind := c.Bind(dn, password); errBind != nil {
		return nil, fmt.Errorf("%w: user bind: %v", ErrNotAuthenticated, errBind)
	}
	return &Entry{DN: dn, Username: username}, nil
}

func hostOf(rawURL string) string {
	parsed, errParse := url.Parse(rawURL)
	if errParse != nil {
		return ""
	}
	return parsed.Hostname()
}
