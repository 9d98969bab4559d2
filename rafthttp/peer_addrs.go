package rafthttp

import (
	"net/url"
	"sync"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// peerAddrs holds the advertised URLs of one peer. Posts go to the
// pinned URL until a post to it fails, then the pin moves on.
type peerAddrs struct {
	mu   sync.Mutex
	urls types.URLs
	pin  int
}

func newPeerAddrs(urls types.URLs) *peerAddrs {
	return &peerAddrs{urls: urls}
}

func (a *peerAddrs) target() url.URL {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.urls[a.pin]
}

// failed moves the pin past u. Reports about a URL that is no longer
// pinned are ignored, so concurrent workers move it once.
func (a *peerAddrs) failed(u url.URL) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.urls[a.pin] != u {
		return
	}
	a.pin = (a.pin + 1) % len(a.urls)
}

// replace swaps in a new URL set, keeping the pin when the pinned URL
// is still advertised.
func (a *peerAddrs) replace(urls types.URLs) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.urls[a.pin]
	a.urls, a.pin = urls, 0
	for i := range urls {
		if urls[i] == cur {
			a.pin = i
			break
		}
	}
}

func (a *peerAddrs) list() types.URLs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(types.URLs(nil), a.urls...)
}
