// Package descriptor fetches and parses Tor router server descriptors — the
// per-relay documents that carry fields the consensus itself omits, most
// importantly the ntor onion key needed to extend a circuit to that relay.
package descriptor

import (
	"compress/zlib"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RelayInfo contains the parsed relay descriptor fields needed for ntor handshake
// and circuit extension.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Ed25519ID    [32]byte // Ed25519 master identity key, zero if unknown
	HasEd25519   bool
	Address      string // IP address
	ORPort       uint16 // OR port
	Fingerprint  string // Hex fingerprint string (uppercase, no spaces)
}

// MaxBatchSize is the number of fingerprints bundled into one
// GET /tor/server/fp/<fp+fp+...>.z request.
const MaxBatchSize = 512

// MaxRetries bounds how many different directories a batch fetch will try
// before giving up.
const MaxRetries = 3

// FetchDescriptor fetches a single relay's server descriptor from a Tor
// directory authority and parses the fields needed for ntor handshake.
//
// TODO SECURITY: Descriptors are fetched over plaintext HTTP and not signature-verified.
// The Tor spec requires verifying the router-signature (RSA) before trusting descriptor fields.
// Currently, a MITM on the HTTP connection could substitute ntor keys, but this would cause
// the ntor AUTH check to fail (the real relay won't produce valid AUTH for substituted keys).
func FetchDescriptor(dirAddr string, fingerprint string) (*RelayInfo, error) {
	url := fmt.Sprintf("http://%s/tor/server/fp/%s", dirAddr, fingerprint)
	body, err := fetchPlain(url)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor: %w", err)
	}
	infos, err := ParseDescriptors(string(body))
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("empty descriptor response")
	}
	return infos[0], nil
}

// FetchDescriptorBatch fetches server descriptors for all fingerprints from
// dirAddr, MaxBatchSize fingerprints per zlib-compressed request, retrying the
// whole set against the addresses in fallback (in order) up to MaxRetries times
// total on parse failure or network error.
func FetchDescriptorBatch(dirAddr string, fingerprints []string, fallback []string) ([]*RelayInfo, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}

	candidates := append([]string{dirAddr}, fallback...)
	var lastErr error
	attempts := 0
	for _, addr := range candidates {
		if attempts >= MaxRetries {
			break
		}
		attempts++

		var all []*RelayInfo
		failed := false
		for start := 0; start < len(fingerprints); start += MaxBatchSize {
			end := start + MaxBatchSize
			if end > len(fingerprints) {
				end = len(fingerprints)
			}
			batch := fingerprints[start:end]

			url := fmt.Sprintf("http://%s/tor/server/fp/%s.z", addr, strings.Join(batch, "+"))
			body, err := fetchCompressed(url)
			if err != nil {
				lastErr = fmt.Errorf("fetch batch from %s: %w", addr, err)
				failed = true
				break
			}
			infos, err := ParseDescriptors(string(body))
			if err != nil {
				lastErr = fmt.Errorf("parse batch from %s: %w", addr, err)
				failed = true
				break
			}
			all = append(all, infos...)
		}
		if !failed {
			return all, nil
		}
	}
	return nil, fmt.Errorf("router descriptor batch fetch exhausted %d directories: %w", attempts, lastErr)
}

func fetchPlain(url string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func fetchCompressed(url string) ([]byte, error) {
	client := &http.Client{
		Timeout: 20 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true,
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	zr, err := zlib.NewReader(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, 64<<20))
}

// ParseDescriptor parses a single relay server descriptor text and extracts RelayInfo.
func ParseDescriptor(text string) (*RelayInfo, error) {
	infos, err := ParseDescriptors(text)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no descriptor found")
	}
	return infos[0], nil
}

// ParseDescriptors parses one or more concatenated server descriptors (as
// returned by a batched fetch) and extracts RelayInfo for each, skipping
// entries that fail to parse fully rather than aborting the whole batch.
func ParseDescriptors(text string) ([]*RelayInfo, error) {
	var infos []*RelayInfo

	for _, block := range strings.Split(text, "router ") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		info, err := parseOneDescriptor("router " + block)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}

	if len(infos) == 0 {
		return nil, fmt.Errorf("no valid descriptors parsed")
	}
	return infos, nil
}

func parseOneDescriptor(text string) (*RelayInfo, error) {
	info := &RelayInfo{}
	var hasRouter, hasFingerprint, hasNtorKey bool

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		switch {
		case strings.HasPrefix(line, "router "):
			// router <nickname> <address> <ORPort> <SOCKSPort> <DirPort>
			parts := strings.Fields(line)
			if len(parts) < 4 {
				return nil, fmt.Errorf("malformed router line: %s", line)
			}
			info.Address = parts[2]
			port, err := strconv.ParseUint(parts[3], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("parse OR port: %w", err)
			}
			info.ORPort = uint16(port)
			hasRouter = true

		case strings.HasPrefix(line, "fingerprint "):
			fpHex := strings.ReplaceAll(line[len("fingerprint "):], " ", "")
			fpBytes, err := hex.DecodeString(fpHex)
			if err != nil {
				return nil, fmt.Errorf("decode fingerprint: %w", err)
			}
			if len(fpBytes) != 20 {
				return nil, fmt.Errorf("fingerprint wrong length: %d", len(fpBytes))
			}
			copy(info.NodeID[:], fpBytes)
			info.Fingerprint = strings.ToUpper(fpHex)
			hasFingerprint = true

		case strings.HasPrefix(line, "ntor-onion-key "):
			b64 := strings.TrimSpace(line[len("ntor-onion-key "):])
			keyBytes, err := base64.RawStdEncoding.DecodeString(b64)
			if err != nil {
				keyBytes, err = base64.StdEncoding.DecodeString(b64)
				if err != nil {
					return nil, fmt.Errorf("decode ntor-onion-key: %w", err)
				}
			}
			if len(keyBytes) != 32 {
				return nil, fmt.Errorf("ntor-onion-key wrong length: %d", len(keyBytes))
			}
			copy(info.NtorOnionKey[:], keyBytes)
			hasNtorKey = true

		case strings.HasPrefix(line, "master-key-ed25519 "):
			b64 := strings.TrimSpace(line[len("master-key-ed25519 "):])
			keyBytes, err := base64.RawStdEncoding.DecodeString(b64)
			if err == nil && len(keyBytes) == 32 {
				copy(info.Ed25519ID[:], keyBytes)
				info.HasEd25519 = true
			}

		case strings.HasPrefix(line, "identity-ed25519"):
			block, consumed := readPEMBlock(lines[i:])
			if block != nil && !info.HasEd25519 {
				if cert, err := parseEd25519CertPubkey(block.Bytes); err == nil {
					info.Ed25519ID = cert
					info.HasEd25519 = true
				}
			}
			i += consumed
		}
	}

	if !hasRouter {
		return nil, fmt.Errorf("missing router line")
	}
	if !hasFingerprint {
		return nil, fmt.Errorf("missing fingerprint line")
	}
	if !hasNtorKey {
		return nil, fmt.Errorf("missing ntor-onion-key line")
	}

	return info, nil
}

// readPEMBlock decodes a PEM block starting at lines[0] ("identity-ed25519"
// followed by "-----BEGIN ED25519 CERT-----"). Returns the decoded block and
// the number of extra lines consumed beyond the first.
func readPEMBlock(lines []string) (*pem.Block, int) {
	var sb strings.Builder
	consumed := 0
	started := false
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if strings.Contains(line, "-----BEGIN") {
			started = true
		}
		if started {
			sb.WriteString(line)
			sb.WriteString("\n")
			consumed = i
		}
		if started && strings.Contains(line, "-----END") {
			break
		}
	}
	if !started {
		return nil, 0
	}
	block, _ := pem.Decode([]byte(sb.String()))
	return block, consumed
}

// parseEd25519CertPubkey extracts the certified Ed25519 key from a tor-spec
// cert-spec.txt CERTS-cell-shaped blob (version(1) || cert_type(1) ||
// expiration(4) || cert_key_type(1) || certified_key(32) || ...).
func parseEd25519CertPubkey(cert []byte) ([32]byte, error) {
	var key [32]byte
	if len(cert) < 39 {
		return key, fmt.Errorf("cert too short: %d", len(cert))
	}
	copy(key[:], cert[7:39])
	return key, nil
}
