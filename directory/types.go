package directory

import "time"

// Consensus represents a parsed Tor consensus document.
type Consensus struct {
	ValidAfter              time.Time
	FreshUntil              time.Time
	ValidUntil              time.Time
	SharedRandCurrentValue  []byte
	SharedRandPreviousValue []byte
	Relays                  []Relay
	BandwidthWeights        map[string]int64 // Wgg, Wgm, Wmg, Wmm, etc.
	Params                  map[string]int64 // "params" line: hsdir_spread_store, hsdir_n_replicas, ...
}

// Default directory parameter values used when the consensus's "params"
// line omits them (dir-spec §3.4.2).
const (
	DefaultHSDirSpreadStore  = 4
	DefaultHSDirNReplicas    = 2
	DefaultTimePeriodLength  = 1440
)

// HSDirSpreadStore returns hsdir_spread_store, the number of HSDirs per
// replica a client walks the hash ring to collect.
func (c *Consensus) HSDirSpreadStore() int64 {
	return paramOrDefault(c.Params, "hsdir_spread_store", DefaultHSDirSpreadStore)
}

// HSDirNReplicas returns hsdir_n_replicas, the number of independent
// hash-ring positions computed per descriptor.
func (c *Consensus) HSDirNReplicas() int64 {
	return paramOrDefault(c.Params, "hsdir_n_replicas", DefaultHSDirNReplicas)
}

// TimePeriodLength returns time_period_length in minutes.
func (c *Consensus) TimePeriodLength() int64 {
	return paramOrDefault(c.Params, "time_period_length", DefaultTimePeriodLength)
}

func paramOrDefault(params map[string]int64, key string, def int64) int64 {
	if params == nil {
		return def
	}
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}

// VotingIntervalSeconds returns the consensus's actual voting interval
// (fresh-until minus valid-after), used by blinded-key time period arithmetic.
// Falls back to the network default of 3600s if the timestamps are unset.
func (c *Consensus) VotingIntervalSeconds() int64 {
	vi := int64(c.FreshUntil.Sub(c.ValidAfter).Seconds())
	if vi <= 0 {
		return 3600
	}
	return vi
}

// Relay represents a router entry in the consensus.
type Relay struct {
	Nickname        string
	Identity        [20]byte // SHA-1 of RSA identity key (base64-decoded from "r" line)
	Address         string   // IPv4 address
	ORPort          uint16
	DirPort         uint16
	Flags           RelayFlags
	Bandwidth       int64 // From "w Bandwidth=" line

	// Populated after a router-descriptor batch fetch (see descriptor.FetchDescriptorBatch).
	NtorOnionKey [32]byte
	Ed25519ID    [32]byte
	HasNtorKey   bool
	HasEd25519   bool
}

// RelayFlags represents the flags assigned to a relay in the consensus.
type RelayFlags struct {
	Authority bool
	BadExit   bool
	Exit      bool
	Fast      bool
	Guard     bool
	HSDir     bool
	Running   bool
	Stable    bool
	Valid     bool
}
