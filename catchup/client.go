package catchup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub208/pkg/ioutil"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
	"github.com/neo4j/neo4j-sub208/rafthttp"
)

// DefaultInactivityTimeout is used when Client.InactivityTimeout is zero.
const DefaultInactivityTimeout = 10 * time.Second

// Client fetches catch-up content from a peer's Handler.
type Client struct {
	ClusterID uint64

	// InactivityTimeout aborts a request when the peer sends nothing
	// for this long.
	InactivityTimeout time.Duration

	// HTTPClient defaults to a client without an overall timeout, since
	// a store copy may take long.
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) timeout() time.Duration {
	if c.InactivityTimeout > 0 {
		return c.InactivityTimeout
	}
	return DefaultInactivityTimeout
}

// get starts a GET under an inactivity watchdog. The caller reads the
// body through w.reader and calls done.
func (c *Client) get(ctx context.Context, peer url.URL, path string, query url.Values) (*http.Response, *inactivity, func(), error) {
	ctx, w, done := withInactivity(ctx, c.timeout())

	uu := peer
	uu.Path = path
	uu.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", uu.String(), nil)
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	req.Header.Set(rafthttp.HeaderClusterID, strconv.FormatUint(c.ClusterID, 16))

	resp, err := c.httpClient().Do(req)
	if err != nil {
		done()
		return nil, nil, nil, w.wrap(err)
	}
	w.kick()

	if resp.StatusCode != http.StatusOK {
		defer done()
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		switch {
		case resp.StatusCode == http.StatusGone:
			return nil, nil, nil, ErrEntriesPruned
		case resp.StatusCode == http.StatusPreconditionFailed && msg == ErrClusterIDMismatch.Error():
			return nil, nil, nil, ErrClusterIDMismatch
		}
		return nil, nil, nil, fmt.Errorf("catchup: unexpected http status %s from %q (%s)", http.StatusText(resp.StatusCode), uu.String(), msg)
	}
	return resp, w, done, nil
}

// StoreInfo asks peer for its store identity and log bounds.
func (c *Client) StoreInfo(ctx context.Context, peer url.URL) (StoreInfo, error) {
	resp, w, done, err := c.get(ctx, peer, pathStoreID, nil)
	if err != nil {
		return StoreInfo{}, err
	}
	defer done()
	defer resp.Body.Close()

	var info StoreInfo
	if err := json.NewDecoder(io.LimitReader(w.reader(resp.Body), 4096)).Decode(&info); err != nil {
		return StoreInfo{}, w.wrap(fmt.Errorf("catchup: decoding store id from %s: %w", peer.Host, err))
	}
	return info, nil
}

// Entries fetches up to limit committed entries starting at from. It
// also returns the peer's commit index.
func (c *Client) Entries(ctx context.Context, peer url.URL, from, limit uint64) ([]raftpb.Entry, uint64, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("limit", strconv.FormatUint(limit, 10))
	resp, w, done, err := c.get(ctx, peer, pathEntries, q)
	if err != nil {
		return nil, 0, err
	}
	defer done()
	defer resp.Body.Close()

	commit, err := strconv.ParseUint(resp.Header.Get(HeaderCommitIndex), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("catchup: invalid commit index from %s: %w", peer.Host, err)
	}

	var ents []raftpb.Entry
	dec := raftpb.NewEntryBinaryDecoder(w.reader(resp.Body))
	for {
		e, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, w.wrap(fmt.Errorf("catchup: decoding entries from %s: %w", peer.Host, err))
		}
		if want := from + uint64(len(ents)); e.Index != want {
			return nil, 0, fmt.Errorf("catchup: got entry %d from %s, expected %d", e.Index, peer.Host, want)
		}
		ents = append(ents, e)
	}
	return ents, commit, nil
}

// FetchStore copies peer's store into a staged file in dir and
// validates it. The caller owns the returned file.
func (c *Client) FetchStore(ctx context.Context, peer url.URL, dir string) (string, CopyInfo, error) {
	resp, w, done, err := c.get(ctx, peer, pathStore, nil)
	if err != nil {
		return "", CopyInfo{}, err
	}
	defer done()
	defer resp.Body.Close()

	want, size, err := parseStoreHeader(resp.Header)
	if err != nil {
		return "", CopyInfo{}, fmt.Errorf("catchup: store from %s: %w", peer.Host, err)
	}
	logger.Infof("receiving store %s from %s [applied index=%d | term=%d | size=%d]", want.StoreID, peer.Host, want.AppliedIndex, want.AppliedTerm, size)

	body := ioutil.NewSizedReadCloser(w.reader(resp.Body), resp.Body, size)
	path, n, sum, err := stageStore(dir, body)
	if err != nil {
		return "", CopyInfo{}, w.wrap(fmt.Errorf("catchup: receiving store from %s: %w", peer.Host, err))
	}
	if err := body.Close(); err != nil {
		removeStaged(path)
		return "", CopyInfo{}, fmt.Errorf("catchup: receiving store from %s: got %d of %d bytes: %w", peer.Host, n, size, err)
	}

	if err := validateStore(path, sum, resp.Trailer.Get(TrailerChecksum), want.Info); err != nil {
		removeStaged(path)
		return "", CopyInfo{}, err
	}
	logger.Infof("received store %s from %s [total bytes: %d]", want.StoreID, peer.Host, n)
	return path, want, nil
}

func parseStoreHeader(h http.Header) (info CopyInfo, size int64, err error) {
	if info.StoreID, err = uuid.Parse(h.Get(HeaderStoreID)); err != nil {
		return info, 0, fmt.Errorf("invalid store id: %w", err)
	}
	if info.AppliedIndex, err = strconv.ParseUint(h.Get(HeaderAppliedIndex), 10, 64); err != nil {
		return info, 0, fmt.Errorf("invalid applied index: %w", err)
	}
	if info.AppliedTerm, err = strconv.ParseUint(h.Get(HeaderAppliedTerm), 10, 64); err != nil {
		return info, 0, fmt.Errorf("invalid applied term: %w", err)
	}
	if size, err = strconv.ParseInt(h.Get(HeaderStoreSize), 10, 64); err != nil {
		return info, 0, fmt.Errorf("invalid store size: %w", err)
	}
	if v := h.Get(HeaderMembers); v != "" {
		for _, s := range strings.Split(v, ",") {
			id, err := types.ParseMemberID(s)
			if err != nil {
				return info, 0, fmt.Errorf("invalid members: %w", err)
			}
			info.Members = append(info.Members, id)
		}
	}
	return info, size, nil
}

// inactivity cancels a request once no bytes arrive for timeout.
type inactivity struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func withInactivity(ctx context.Context, timeout time.Duration) (context.Context, *inactivity, func()) {
	ctx, cancel := context.WithCancel(ctx)
	w := &inactivity{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.fired.Store(true)
		cancel()
	})
	return ctx, w, func() {
		w.timer.Stop()
		cancel()
	}
}

func (w *inactivity) kick() { w.timer.Reset(w.timeout) }

func (w *inactivity) reader(r io.Reader) io.Reader { return &kickReader{r: r, w: w} }

func (w *inactivity) wrap(err error) error {
	if err != nil && w.fired.Load() {
		return fmt.Errorf("%w for %v: %v", ErrInactivityTimeout, w.timeout, err)
	}
	return err
}

type kickReader struct {
	r io.Reader
	w *inactivity
}

func (k *kickReader) Read(p []byte) (int, error) {
	n, err := k.r.Read(p)
	if n > 0 {
		k.w.kick()
	}
	return n, err
}
