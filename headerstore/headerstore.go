// Package headerstore persists a chain of Bitcoin block headers in a
// logdb log. Headers are indexed by height and by hash, and the current tip
// is kept in its own record; every Append is a single logdb transaction, so
// the three always agree on disk.
package headerstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/beyondbrewing/brewery-logdb/logdb"
	"github.com/beyondbrewing/brewery-logdb/pkg/logger"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Sentinel errors for the headerstore package.
var (
	ErrOrphanHeader   = errors.New("headerstore: header does not extend the tip")
	ErrNotFound       = errors.New("headerstore: header not found")
	ErrUnknownParams  = errors.New("headerstore: chain params must not be nil")
	ErrUnknownNetwork = errors.New("headerstore: unknown network")
)

// Record tags keep the three key spaces apart inside one log.
const (
	tagHeight byte = 'h'
	tagHash   byte = 'b'
	tagTip    byte = 't'
)

type heightKey struct {
	Tag    byte
	Height int32
}

type hashKey struct {
	Tag  byte
	Hash chainhash.Hash
}

type tipKey struct {
	Tag byte
}

type tipRecord struct {
	Hash   chainhash.Hash
	Height int32
}

// Config holds settings for a Store.
type Config struct {
	// Logger is the structured logger. Falls back to logger.Default() if nil.
	Logger logger.Logger
}

// Option is a functional option for configuring a Store.
type Option func(*Config)

// WithLogger sets a structured logger for the store.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Store reads and extends a header chain through a logdb handle. The
// genesis header of the configured network is implied at height 0 and is
// never written.
type Store struct {
	h      *logdb.Handle
	params *chaincfg.Params
	logger logger.Logger

	// mu serializes Append so tip checks and the commit are not interleaved.
	mu sync.Mutex
}

// New returns a Store backed by h. The handle stays owned by the caller.
func New(h *logdb.Handle, params *chaincfg.Params, opts ...Option) (*Store, error) {
	if params == nil {
		return nil, ErrUnknownParams
	}
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Store{
		h:      h,
		params: params,
		logger: log.With("component", "headerstore", "network", params.Name),
	}, nil
}

// Tip returns the hash and height of the last stored header, or the genesis
// block at height 0 when the store is empty.
func (s *Store) Tip() (chainhash.Hash, int32, error) {
	tip, err := logdb.Read[tipRecord](s.h, tipKey{Tag: tagTip})
	if errors.Is(err, logdb.ErrKeyNotFound) {
		return *s.params.GenesisHash, 0, nil
	}
	if err != nil {
		return chainhash.Hash{}, 0, fmt.Errorf("headerstore: read tip: %w", err)
	}
	return tip.Hash, tip.Height, nil
}

// Height returns the height of the tip.
func (s *Store) Height() (int32, error) {
	_, height, err := s.Tip()
	return height, err
}

// Append stores headers on top of the tip in one transaction and returns the
// new tip height. Each header must link to the one before it, the first to
// the current tip. On any error nothing is stored.
func (s *Store) Append(headers ...wire.BlockHeader) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tipHash, height, err := s.Tip()
	if err != nil {
		return 0, err
	}
	if len(headers) == 0 {
		return height, nil
	}
	startHeight := height

	if err := s.h.TxnBegin(); err != nil {
		return 0, fmt.Errorf("headerstore: begin: %w", err)
	}

	for i := range headers {
		hdr := headers[i]
		if hdr.PrevBlock != tipHash {
			s.h.TxnAbort()
			return 0, fmt.Errorf("%w: header %s at height %d builds on %s, tip is %s",
				ErrOrphanHeader, hdr.BlockHash(), height+1, hdr.PrevBlock, tipHash)
		}

		height++
		hash := hdr.BlockHash()

		if err := logdb.Write(s.h, hashKey{Tag: tagHash, Hash: hash}, height, false); err != nil {
			s.h.TxnAbort()
			return 0, fmt.Errorf("headerstore: index %s: %w", hash, err)
		}
		if err := logdb.Write(s.h, heightKey{Tag: tagHeight, Height: height}, hdr, true); err != nil {
			s.h.TxnAbort()
			return 0, fmt.Errorf("headerstore: store %s: %w", hash, err)
		}
		tipHash = hash
	}

	if err := logdb.Write(s.h, tipKey{Tag: tagTip}, tipRecord{Hash: tipHash, Height: height}, true); err != nil {
		s.h.TxnAbort()
		return 0, fmt.Errorf("headerstore: store tip: %w", err)
	}
	if err := s.h.TxnCommit(); err != nil {
		return 0, fmt.Errorf("headerstore: commit: %w", err)
	}

	s.logger.Info("indexed headers",
		"from", startHeight,
		"to", height,
		"batch", len(headers),
		"tip", tipHash.String(),
		"more", len(headers) == wire.MaxBlockHeadersPerMsg,
	)
	return height, nil
}

// HeaderByHeight returns the header at height. Height 0 is the genesis
// header of the configured network.
func (s *Store) HeaderByHeight(height int32) (wire.BlockHeader, error) {
	if height == 0 {
		return s.params.GenesisBlock.Header, nil
	}
	hdr, err := logdb.Read[wire.BlockHeader](s.h, heightKey{Tag: tagHeight, Height: height})
	if errors.Is(err, logdb.ErrKeyNotFound) {
		return wire.BlockHeader{}, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	return hdr, err
}

// HeightByHash returns the height of the header with the given hash.
func (s *Store) HeightByHash(hash chainhash.Hash) (int32, error) {
	if hash == *s.params.GenesisHash {
		return 0, nil
	}
	height, err := logdb.Read[int32](s.h, hashKey{Tag: tagHash, Hash: hash})
	if errors.Is(err, logdb.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return height, err
}

// HeaderByHash returns the header with the given hash.
func (s *Store) HeaderByHash(hash chainhash.Hash) (wire.BlockHeader, error) {
	height, err := s.HeightByHash(hash)
	if err != nil {
		return wire.BlockHeader{}, err
	}
	return s.HeaderByHeight(height)
}

// Locator returns a block locator for the tip: the most recent hashes
// densely, then exponentially sparser back to genesis, for use in a
// getheaders request.
func (s *Store) Locator() ([]*chainhash.Hash, error) {
	_, height, err := s.Tip()
	if err != nil {
		return nil, err
	}

	var locator []*chainhash.Hash
	step := int32(1)
	for h := height; h > 0; h -= step {
		hdr, err := s.HeaderByHeight(h)
		if err != nil {
			return nil, err
		}
		hash := hdr.BlockHash()
		locator = append(locator, &hash)
		if len(locator) >= 10 {
			step *= 2
		}
	}
	locator = append(locator, s.params.GenesisHash)
	return locator, nil
}

// NewGetHeaders builds a getheaders message starting from the store's
// locator.
func (s *Store) NewGetHeaders() (*wire.MsgGetHeaders, error) {
	locator, err := s.Locator()
	if err != nil {
		return nil, err
	}
	msg := wire.NewMsgGetHeaders()
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return nil, err
		}
	}
	msg.HashStop = chainhash.Hash{}
	return msg, nil
}

// ResolveChainParams maps a network name to its chain parameters.
// Supported: "mainnet", "signet", "testnet3", "regtest", "simnet".
func ResolveChainParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
}
