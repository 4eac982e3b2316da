// Package racer implements the "Happy-Eyeballs"-style circuit racer: it
// launches several concurrent rendezvous attempts against distinct
// (rendezvous point, introduction point) pairs and returns as soon as the
// first one completes, tearing down the rest.
package racer

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teiid/garlic/circuit"
	"github.com/teiid/garlic/config"
	"github.com/teiid/garlic/descriptor"
	"github.com/teiid/garlic/directory"
	"github.com/teiid/garlic/onion"
)

// RaceStats reports what happened during one Race call, alongside the
// winning circuit.
type RaceStats struct {
	WinnerLane     int
	Elapsed        time.Duration
	LanesAttempted int
	LanesFailed    int
}

// lane is one concurrent (rendezvous point, introduction point) attempt.
type lane struct {
	index int
	id    uuid.UUID
	rp    *directory.Relay
	ip    onion.IntroPoint
}

type laneResult struct {
	lane    int
	circuit *onion.BuiltCircuit
	err     error
}

// AllLanesFailed is returned when every lane failed or the deadline expired
// with nothing left in flight.
var AllLanesFailed = fmt.Errorf("racer: all lanes failed")

// RaceCircuit fetches the onion service's introduction points once, fans out
// opts.Count concurrent rendezvous attempts over distinct fast routers, and
// returns the rendezvous circuit built by the first lane to complete. Losing
// lanes are cancelled and their circuits torn down in the background; their
// failures never propagate. The returned circuit has not yet opened any
// stream — callers open one with onion.OpenStream for whichever port they need.
func RaceCircuit(
	ctx context.Context,
	address string,
	consensus *directory.Consensus,
	httpClient *http.Client,
	builder onion.CircuitBuilder,
	opts config.RaceOpts,
	logger *slog.Logger,
) (*onion.BuiltCircuit, *RaceStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	result, err := onion.ResolveOnionService(ctx, address, consensus, httpClient, builder)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve onion service: %w", err)
	}
	if len(result.IntroPoints) == 0 {
		return nil, nil, fmt.Errorf("no introduction points in descriptor")
	}

	count := opts.Count
	if count <= 0 {
		count = 4
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rps := selectFastRouters(consensus, 3*count)
	if len(rps) == 0 {
		return nil, nil, fmt.Errorf("no fast routers available to race against")
	}

	lanes := buildRacePaths(rps, result.IntroPoints, count)

	laneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultsCh := make(chan laneResult, count)
	var wg sync.WaitGroup
	for _, ln := range lanes {
		wg.Add(1)
		go func(ln lane) {
			defer wg.Done()
			c, err := runLane(laneCtx, ln, result, builder, logger)
			select {
			case resultsCh <- laneResult{lane: ln.index, circuit: c, err: err}:
			case <-laneCtx.Done():
				if c != nil {
					_ = c.LinkCloser.Close()
				}
			}
		}(ln)
	}
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	stats := &RaceStats{LanesAttempted: count}
	var winner *onion.BuiltCircuit
	for r := range resultsCh {
		if r.err != nil {
			stats.LanesFailed++
			logger.Warn("race lane failed", "lane", r.lane, "error", r.err)
			continue
		}
		winner = r.circuit
		stats.WinnerLane = r.lane
		cancel() // brutal-cancel every other in-flight lane
		// Drain the losing lanes in the background so their teardown does
		// not delay the return.
		go func() {
			for r := range resultsCh {
				if r.err == nil {
					// A second winner raced past cancellation; discard its circuit.
					_ = r.circuit.LinkCloser.Close()
				}
			}
		}()
		break
	}

	stats.Elapsed = time.Since(start)
	if winner == nil {
		return nil, stats, AllLanesFailed
	}
	return winner, stats, nil
}

// Race is a convenience wrapper over RaceCircuit that also opens the first
// stream to address:port on the winning circuit.
func Race(
	ctx context.Context,
	address string,
	port uint16,
	consensus *directory.Consensus,
	httpClient *http.Client,
	builder onion.CircuitBuilder,
	opts config.RaceOpts,
	logger *slog.Logger,
) (io.ReadWriteCloser, *RaceStats, error) {
	built, stats, err := RaceCircuit(ctx, address, consensus, httpClient, builder, opts, logger)
	if err != nil {
		return nil, stats, err
	}
	s, err := onion.OpenStream(built, address, port)
	if err != nil {
		_ = built.LinkCloser.Close()
		return nil, stats, fmt.Errorf("open stream: %w", err)
	}
	return s, stats, nil
}

// runLane drives one (RP, IP) attempt to completion or failure. It never
// panics on its own errors — all failures are returned, never propagated
// past this function.
func runLane(
	ctx context.Context,
	ln lane,
	result *onion.ConnectResult,
	builder onion.CircuitBuilder,
	logger *slog.Logger,
) (*onion.BuiltCircuit, error) {
	log := logger.With("lane", ln.index, "lane_id", ln.id)

	rpInfo := &descriptor.RelayInfo{
		NodeID:       ln.rp.Identity,
		NtorOnionKey: ln.rp.NtorOnionKey,
		Ed25519ID:    ln.rp.Ed25519ID,
		HasEd25519:   ln.rp.HasEd25519,
		Address:      ln.rp.Address,
		ORPort:       ln.rp.ORPort,
	}

	rendBuilt, err := builder.BuildCircuit(ctx, rpInfo)
	if err != nil {
		return nil, fmt.Errorf("build rendezvous circuit: %w", err)
	}
	if ctx.Err() != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, ctx.Err()
	}

	cookie, err := onion.GenerateRendezvousCookie()
	if err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("generate cookie: %w", err)
	}

	if err := rendBuilt.Circuit.SendRelay(circuit.RelayEstablishRendezvous, 0, cookie[:]); err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("send ESTABLISH_RENDEZVOUS: %w", err)
	}

	_, relayCmd, _, _, err := rendBuilt.Circuit.ReceiveRelayContext(ctx)
	if err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("receive RENDEZVOUS_ESTABLISHED: %w", err)
	}
	if relayCmd != circuit.RelayRendezvousEstablished {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("expected RENDEZVOUS_ESTABLISHED, got relay command %d", relayCmd)
	}
	log.Debug("rendezvous established")

	rendLinkSpecs, err := onion.BuildRendLinkSpecs(
		rendBuilt.LastHop.NodeID,
		rendBuilt.LastHop.Address,
		rendBuilt.LastHop.ORPort,
		rendBuilt.LastHop.Ed25519ID,
	)
	if err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("build rend link specs: %w", err)
	}

	if err := onion.TryIntroPoint(ctx, ln.ip, result, cookie, rendBuilt, rendLinkSpecs, builder, log); err != nil {
		_ = rendBuilt.LinkCloser.Close()
		return nil, fmt.Errorf("introduce/rendezvous: %w", err)
	}

	return rendBuilt, nil
}

// buildRacePaths pairs count lanes of (rendezvous point, introduction point)
// by cycling through rps and ips independently, so a shorter list of either
// is reused rather than limiting how many lanes can be built. Each lane gets
// a fresh uuid regardless of how its rp/ip were chosen.
func buildRacePaths(rps []*directory.Relay, ips []onion.IntroPoint, count int) []lane {
	lanes := make([]lane, count)
	for i := 0; i < count; i++ {
		lanes[i] = lane{
			index: i,
			id:    uuid.New(),
			rp:    rps[i%len(rps)],
			ip:    ips[i%len(ips)],
		}
	}
	return lanes
}

// selectFastRouters picks up to n Running+Valid+Fast routers from the
// consensus, keeping at most one router per distinct IPv4 /16 to avoid
// racing several lanes through the same network segment.
func selectFastRouters(consensus *directory.Consensus, n int) []*directory.Relay {
	seenSubnet := make(map[string]bool)
	var out []*directory.Relay
	order := shuffledIndices(len(consensus.Relays))
	for _, i := range order {
		r := &consensus.Relays[i]
		if !r.Flags.Fast || !r.Flags.Running || !r.Flags.Valid || !r.HasNtorKey {
			continue
		}
		subnet := subnet16(r.Address)
		if subnet != "" && seenSubnet[subnet] {
			continue
		}
		seenSubnet[subnet] = true
		out = append(out, r)
		if len(out) >= n {
			break
		}
	}
	return out
}

func subnet16(addr string) string {
	var a, b int
	if _, err := fmt.Sscanf(addr, "%d.%d.", &a, &b); err != nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", a, b)
}

// shuffledIndices returns a cryptographically-shuffled permutation of [0, n).
func shuffledIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := n - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx
}
