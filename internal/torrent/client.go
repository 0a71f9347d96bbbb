package torrent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/prxssh/piecewise/internal/protocol"
)

// Client manages every torrent running under a single local peer identity.
// It is a thin composition layer over Torrent for callers (e.g. a CLI) that
// juggle more than one download/upload at once; a caller driving exactly one
// torrent can skip it and call NewTorrent directly.
type Client struct {
	log      *slog.Logger
	ctx      context.Context
	mu       sync.RWMutex
	peerID   [protocol.PeerIDSize]byte
	torrents map[[protocol.DescriptorIDSize]byte]*Torrent
}

func NewClient() (*Client, error) {
	peerID, err := generatePeerID()
	if err != nil {
		return nil, err
	}

	return &Client{
		log:      slog.Default(),
		ctx:      context.Background(),
		peerID:   peerID,
		torrents: make(map[[protocol.DescriptorIDSize]byte]*Torrent),
	}, nil
}

func (c *Client) Startup(ctx context.Context) {
	c.ctx = ctx
}

func (c *Client) AddTorrent(data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	t, err := NewTorrent(c.peerID, data, cfg)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err, "size", len(data))
		return nil, err
	}

	descriptorIDHex := hex.EncodeToString(t.Metainfo.DescriptorID[:])

	c.log.Debug("adding torrent",
		"name", t.Metainfo.Info.Name,
		"descriptor_id", descriptorIDHex,
		"size", t.Metainfo.Size(),
		"pieces", len(t.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[t.Metainfo.DescriptorID] = t
	c.mu.Unlock()

	go func() { _ = t.Run(c.ctx) }()
	return t, nil
}

func (c *Client) GetDefaultConfig() *Config {
	return WithDefaultConfig()
}

func (c *Client) RemoveTorrent(descriptorIDHex string) error {
	var descriptorID [protocol.DescriptorIDSize]byte

	b, err := hex.DecodeString(descriptorIDHex)
	if err != nil || len(b) != protocol.DescriptorIDSize {
		c.log.Error("invalid descriptor id", "id", descriptorIDHex, "error", err)
		return err
	}
	copy(descriptorID[:], b)

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.torrents[descriptorID]
	if !ok {
		c.log.Warn("torrent not found", "descriptor_id", descriptorIDHex)
		return nil
	}

	c.log.Debug("removing torrent",
		"name", t.Metainfo.Info.Name,
		"descriptor_id", descriptorIDHex,
	)

	t.Stop()
	delete(c.torrents, descriptorID)
	return nil
}

func (c *Client) GetTorrentStats(descriptorIDHex string) *Stats {
	var descriptorID [protocol.DescriptorIDSize]byte

	b, err := hex.DecodeString(descriptorIDHex)
	if err != nil || len(b) != protocol.DescriptorIDSize {
		return nil
	}
	copy(descriptorID[:], b)

	c.mu.RLock()
	t, ok := c.torrents[descriptorID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return t.GetStats()
}

// generatePeerID builds the local peer identity: a fixed 8-character client
// prefix padded out to 20 bytes with random decimal digits.
func generatePeerID() ([protocol.PeerIDSize]byte, error) {
	var peerID [protocol.PeerIDSize]byte

	prefix := []byte("-PW0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [protocol.PeerIDSize]byte{}, err
	}
	for i := len(prefix); i < len(peerID); i++ {
		peerID[i] = '0' + peerID[i]%10
	}

	return peerID, nil
}
