package types

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

var peerSchemes = map[string]bool{"http": true, "https": true, "unix": true, "unixs": true}

// NewURL parses a peer URL. Peer URLs name a host:port (or a unix
// socket with a port suffix) and carry no path.
func NewURL(s string) (url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return url.URL{}, err
	}
	switch {
	case !peerSchemes[u.Scheme]:
		return url.URL{}, fmt.Errorf("peer URL %q: scheme must be http, https, unix or unixs", s)
	case u.Path != "" && u.Path != "/":
		return url.URL{}, fmt.Errorf("peer URL %q: unexpected path %q", s, u.Path)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return url.URL{}, fmt.Errorf("peer URL %q: %w", s, err)
	}
	u.Path = ""
	return *u, nil
}

// URLs is the sorted, de-duplicated URL set a member advertises.
type URLs []url.URL

// NewURLs parses ss into a URLs set.
func NewURLs(ss []string) (URLs, error) {
	if len(ss) == 0 {
		return nil, errors.New("no peer URLs")
	}
	seen := make(map[string]bool, len(ss))
	us := make(URLs, 0, len(ss))
	for _, s := range ss {
		u, err := NewURL(s)
		if err != nil {
			return nil, err
		}
		if k := u.String(); !seen[k] {
			seen[k] = true
			us = append(us, u)
		}
	}
	sort.Slice(us, func(i, j int) bool { return us[i].String() < us[j].String() })
	return us, nil
}

// MustNewURLs is like NewURLs but panics on error.
func MustNewURLs(ss []string) URLs {
	us, err := NewURLs(ss)
	if err != nil {
		panic(err)
	}
	return us
}

// StringSlice returns the URLs in string form.
func (us URLs) StringSlice() []string {
	ss := make([]string, len(us))
	for i, u := range us {
		ss[i] = u.String()
	}
	return ss
}
