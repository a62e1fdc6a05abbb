package tracker

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jackpal/bencode-go"
	"github.com/ztrue/tracerr"

	"peerwire/internal/config"
	"peerwire/internal/peer"
)

// bencodeTrackerResp holds the tracker response
type bencodeTrackerResp struct {
	FailureReason string `bencode:"failure reason"`
	Peers         string `bencode:"peers"`
	Interval      int    `bencode:"interval"`
}

// HTTPTracker implements the Tracker interface for HTTP/HTTPS trackers
type HTTPTracker struct {
	AnnounceURL string
	Cfg         *config.Config
	Client      *http.Client
}

// NewHTTPTracker creates a new HTTP tracker client
func NewHTTPTracker(announceURL string, cfg *config.Config) *HTTPTracker {
	if cfg == nil {
		cfg = config.Default()
	}
	return &HTTPTracker{
		AnnounceURL: announceURL,
		Cfg:         cfg,
		Client:      &http.Client{Timeout: cfg.TrackerTimeout},
	}
}

// BuildURL constructs the announce URL with required parameters
func (t *HTTPTracker) BuildURL(peerID [20]byte, port uint16, infoHash [20]byte, left int) (string, error) {
	parsedURL, err := url.Parse(t.AnnounceURL)
	if err != nil {
		return "", tracerr.Errorf("parsing tracker URL: %v", err)
	}

	params := parsedURL.Query()
	params.Set("info_hash", string(infoHash[:]))
	params.Set("peer_id", string(peerID[:]))
	params.Set("port", strconv.Itoa(int(port)))
	params.Set("uploaded", "0")
	params.Set("downloaded", "0")
	params.Set("compact", "1")
	params.Set("left", strconv.Itoa(left))
	parsedURL.RawQuery = params.Encode()

	return parsedURL.String(), nil
}

// Announce contacts the tracker and returns a list of peers
func (t *HTTPTracker) Announce(ctx context.Context, peerID [20]byte, port uint16, infoHash [20]byte, left int) ([]peer.Addr, error) {
	announceURL, err := t.BuildURL(peerID, port, infoHash, left)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, tracerr.Errorf("contacting tracker: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, tracerr.Errorf("tracker returned status %d", resp.StatusCode)
	}

	var trackerResp bencodeTrackerResp
	if err := bencode.Unmarshal(resp.Body, &trackerResp); err != nil {
		return nil, tracerr.Errorf("parsing tracker response: %v", err)
	}
	if trackerResp.FailureReason != "" {
		return nil, tracerr.Errorf("tracker failure: %s", trackerResp.FailureReason)
	}

	peers, err := peer.UnmarshalPeers([]byte(trackerResp.Peers))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return peers, nil
}

// Ensure HTTPTracker implements Tracker interface
var _ Tracker = (*HTTPTracker)(nil)
