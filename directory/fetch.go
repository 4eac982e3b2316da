package directory

import (
	"compress/zlib"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// Directory authorities (from tor source, as of 2025).
var DirAuthorities = []string{
	"128.31.0.39:9131",   // moria1
	"86.59.21.38:80",     // tor26
	"194.109.206.212:80", // dizum
	"199.58.81.140:80",   // Faravahar
	"204.13.164.118:80",  // longclaw
	"66.111.2.131:9030",  // bastet
	"193.23.244.244:80",  // dannenberg
	"171.25.193.9:443",   // maatuska
	"154.35.175.225:80",  // gabelmoo
}

// FetchConsensus picks a random directory authority and fetches the
// authority-flavored consensus from it, falling back to the remaining
// authorities in random order on decompression failure or non-200 status.
func FetchConsensus() (string, error) {
	var lastErr error
	for _, addr := range shuffledAuthorities() {
		body, err := fetchConsensusFrom(addr)
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	return "", fmt.Errorf("all directory authorities failed, last error: %w", lastErr)
}

// FetchConsensusFrom fetches the authority-flavored consensus from a specific
// directory authority.
func FetchConsensusFrom(addr string) (string, error) {
	return fetchConsensusFrom(addr)
}

func shuffledAuthorities() []string {
	addrs := make([]string, len(DirAuthorities))
	copy(addrs, DirAuthorities)
	for i := len(addrs) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
	return addrs
}

func fetchConsensusFrom(addr string) (string, error) {
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}
	url := fmt.Sprintf("http://%s/tor/status-vote/current/authority.z", addr)

	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch consensus from %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch consensus from %s: HTTP %d", addr, resp.StatusCode)
	}

	// Consensus is typically ~2MB decompressed, cap at 10MB for safety.
	zr, err := zlib.NewReader(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", fmt.Errorf("decompress consensus from %s: %w", addr, err)
	}
	defer func() { _ = zr.Close() }()

	body, err := io.ReadAll(io.LimitReader(zr, 10*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read consensus from %s: %w", addr, err)
	}

	return string(body), nil
}
