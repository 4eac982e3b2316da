package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teiid/garlic/circuit"
	"github.com/teiid/garlic/config"
	"github.com/teiid/garlic/descriptor"
	"github.com/teiid/garlic/directory"
	"github.com/teiid/garlic/link"
	"github.com/teiid/garlic/onion"
	"github.com/teiid/garlic/pathselect"
)

// fetchNetworkStatus loads a cached consensus (refetching and validating
// against authority key certs if the cache is stale or absent), then enriches
// its useful relays with router descriptors, also preferring the cache.
func fetchNetworkStatus(cfg *config.Config, logger *slog.Logger) (*directory.Consensus, error) {
	cache := &directory.Cache{Dir: cfg.CachePath}

	var consensusText string
	if text, ok := cache.LoadConsensus(); ok && !cache.NeedsRefresh() {
		logger.Info("loaded consensus from cache")
		consensusText = text
	} else {
		logger.Info("fetching consensus from directory authorities")
		text, err := directory.FetchConsensus()
		if err != nil {
			return nil, fmt.Errorf("fetch consensus: %w", err)
		}
		consensusText = text
	}

	keyCerts, err := cache.LoadKeyCerts()
	if err != nil || len(keyCerts) == 0 {
		keyCerts, err = directory.FetchKeyCerts()
		if err != nil {
			logger.Warn("fetch key certs failed, falling back to structural validation", "error", err)
			keyCerts = nil
		} else if err := cache.SaveKeyCerts(keyCerts); err != nil {
			logger.Warn("cache key certs failed", "error", err)
		}
	}

	if err := directory.ValidateSignatures(consensusText, keyCerts); err != nil {
		return nil, fmt.Errorf("validate consensus signatures: %w", err)
	}

	consensus, err := directory.ParseConsensus(consensusText)
	if err != nil {
		return nil, fmt.Errorf("parse consensus: %w", err)
	}
	if err := directory.ValidateFreshness(consensus); err != nil {
		return nil, fmt.Errorf("validate consensus freshness: %w", err)
	}
	if err := cache.SaveConsensus(consensusText, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("cache consensus failed", "error", err)
	}

	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	logger.Info("filtered useful relays", "count", len(usefulRelays))

	cachedCount := cache.LoadDescriptors(usefulRelays)
	logger.Info("loaded router descriptors from cache", "count", cachedCount)

	needFetch := 0
	for _, r := range usefulRelays {
		if !r.HasNtorKey {
			needFetch++
		}
	}
	if needFetch > 0 && cfg.PrefetchDescriptors {
		logger.Info("fetching router descriptors", "relays", needFetch)
		var fingerprints []string
		for _, r := range usefulRelays {
			if !r.HasNtorKey {
				fingerprints = append(fingerprints, fmt.Sprintf("%X", r.Identity))
			}
		}
		if len(directory.DirAuthorities) > 0 {
			infos, err := descriptor.FetchDescriptorBatch(directory.DirAuthorities[0], fingerprints, directory.DirAuthorities[1:])
			if err != nil {
				logger.Warn("descriptor batch fetch failed", "error", err)
			} else {
				mergeDescriptors(usefulRelays, infos)
			}
		}
	}

	if err := cache.SaveDescriptors(usefulRelays); err != nil {
		logger.Warn("cache descriptors failed", "error", err)
	}
	consensus.Relays = usefulRelays
	return consensus, nil
}

// mergeDescriptors applies freshly fetched descriptor fields onto the
// matching consensus relays, keyed by RSA identity digest.
func mergeDescriptors(relays []directory.Relay, infos []*descriptor.RelayInfo) {
	byID := make(map[[20]byte]*descriptor.RelayInfo, len(infos))
	for _, info := range infos {
		byID[info.NodeID] = info
	}
	for i := range relays {
		info, ok := byID[relays[i].Identity]
		if !ok {
			continue
		}
		relays[i].NtorOnionKey = info.NtorOnionKey
		relays[i].HasNtorKey = true
		if info.HasEd25519 {
			relays[i].Ed25519ID = info.Ed25519ID
			relays[i].HasEd25519 = true
		}
	}
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Ed25519ID:    relay.Ed25519ID,
		HasEd25519:   relay.HasEd25519,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}

// circuitBuilder implements onion.CircuitBuilder, used by the racer (C6) and
// by direct onion.ConnectOnionService calls to build the rendezvous and
// introduction circuits.
type circuitBuilder struct {
	consensus *directory.Consensus
	logger    *slog.Logger
}

func (cb *circuitBuilder) BuildCircuit(ctx context.Context, target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		built, err := cb.tryBuildCircuit(ctx, target)
		if err != nil {
			lastErr = err
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("build circuit after 3 attempts: %w", lastErr)
}

func (cb *circuitBuilder) tryBuildCircuit(ctx context.Context, target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	var lastHopRelay *directory.Relay
	var guard, middle *directory.Relay

	if target != nil {
		exit, err := pathselect.SelectExit(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		guard, err = pathselect.SelectGuard(cb.consensus, exit)
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		middle, err = pathselect.SelectMiddle(cb.consensus, guard, exit)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
	} else {
		path, err := pathselect.SelectPath(cb.consensus)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard = &path.Guard
		middle = &path.Middle
		lastHopRelay = &path.Exit
	}

	l, err := link.Handshake(ctx, fmt.Sprintf("%s:%d", guard.Address, guard.ORPort), cb.logger)
	if err != nil {
		return nil, fmt.Errorf("guard handshake: %w", err)
	}

	guardInfo := relayInfoFromConsensus(guard)
	c, err := circuit.Create(ctx, l, guardInfo, cb.logger)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	middleInfo := relayInfoFromConsensus(middle)
	if err := c.Extend(ctx, middleInfo, cb.logger); err != nil {
		l.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	var lastHopInfo *descriptor.RelayInfo
	if target != nil {
		lastHopInfo = target
	} else {
		lastHopInfo = relayInfoFromConsensus(lastHopRelay)
	}
	if err := c.Extend(ctx, lastHopInfo, cb.logger); err != nil {
		l.Close()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}

	cb.logger.Info("circuit built", "circID", fmt.Sprintf("0x%08x", c.ID))

	return &onion.BuiltCircuit{
		Circuit:    c,
		LinkCloser: l,
		LastHop:    lastHopInfo,
	}, nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
