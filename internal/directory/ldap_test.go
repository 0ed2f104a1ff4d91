package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/router-for-me/ChatRelay/internal/config"
)

type fakeConn struct {
	users   map[string]string // dn -> password
	entries []*ldap.Entry
	filters []string
	binds   []string
}

func (f *fakeConn) Bind(username, password string) error {
	f.binds = append(f.binds, username)
	if want, ok := f.users[username]; ok && want == password {
		return nil
	}
	return errors.New("invalid credentials")
}

func (f *fakeConn) Search(request *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.filters = append(f.filters, request.Filter)
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeConn) StartTLS(*tls.Config) error { return nil }
func (f *fakeConn) SetTimeout(time.Duration)   {}

func newTestLDAP(fake *fakeConn) *LDAP {
	d := NewLDAP(config.LDAPConfig{
		URL:          "ldap://directory.test:389",
		BindDN:       "cn=svc,dc=test",
		BindPassword: "svc-pass",
		BaseDN:       "dc=test",
		Filter:       "(uid={{username}})",
	})
	d.dial = func(context.Context, string) (conn, func(), error) {
		return fake, func() {}, nil
	}
	return d
}

func TestLDAPAuthenticateSuccess(t *testing.T) {
	fake := &fakeConn{
		users:   map[string]string{"cn=svc,dc=test": "svc-pass", "uid=alice,dc=test": "wonder"},
		entries: []*ldap.Entry{{DN: "uid=alice,dc=test"}},
	}
	entry, err := newTestLDAP(fake).Authenticate(context.Background(), "alice", "wonder")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if entry.DN != "uid=alice,dc=test" {
		t.Fatalf("unexpected dn %q", entry.DN)
	}
	if len(fake.filters) != 1 || fake.filters[0] != "(uid=alice)" {
		t.Fatalf("unexpected filters %v", fake.filters)
	}
}

func TestLDAPAuthenticateEscapesFilter(t *testing.T) {
	fake := &fakeConn{users: map[string]string{"cn=svc,dc=test": "svc-pass"}}
	_, _ = newTestLDAP(fake).Authenticate(context.Background(), "a*)(uid=*", "x")
	if len(fake.filters) != 1 || fake.filters[0] != `(uid=a\2a\29\28uid=\2a)` {
		t.Fatalf("expected escaped filter, got %v", fake.filters)
	}
}

func TestLDAPAuthenticateFailures(t *testing.T) {
	cases := []struct {
		name     string
		fake     *fakeConn
		password string
	}{
		{
			name:     "wrong password",
			fake:     &fakeConn{users: map[string]string{"cn=svc,dc=test": "svc-pass", "uid=alice,dc=test": "wonder"}, entries: []*ldap.Entry{{DN: "uid=alice,dc=test"}}},
			password: "nope",
		},
		{
			name:     "no match",
			fake:     &fakeConn{users: map[string]string{"cn=svc,dc=test": "svc-pass"}},
			password: "wonder",
		},
		{
			name:     "ambiguous match",
			fake:     &fakeConn{users: map[string]string{"cn=svc,dc=test": "svc-pass"}, entries: []*ldap.Entry{{DN: "a"}, {DN: "b"}}},
			password: "wonder",
		},
		{
			name:     "service bind rejected",
			fake:     &fakeConn{users: map[string]string{}},
			password: "wonder",
		},
		{
			name:     "empty password",
			fake:     &fakeConn{users: map[string]string{"cn=svc,dc=test": "svc-pass"}},
			password: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := newTestLDAP(tc.fake).Authenticate(context.Background(), "alice", tc.password); err == nil {
				t.Fatalf("expected failure")
			}
		})
	}
}
