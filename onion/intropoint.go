package onion

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// IntroPoint is one introduction point extracted from a decrypted v3 HS
// descriptor's second layer.
type IntroPoint struct {
	// LinkSpecifiers is the raw NSPEC-prefixed block, passed through to EXTEND2
	// verbatim when building a circuit to this introduction point.
	LinkSpecifiers []byte
	OnionKey       [32]byte // ntor onion key (curve25519)
	AuthKeyCert    []byte   // raw Ed25519 auth-key certificate
	AuthKey        [32]byte // Ed25519 auth key, extracted from AuthKeyCert
	EncKey         [32]byte // curve25519 encryption key for hs-ntor (KP_hss_ntor)
	EncKeyCert     []byte   // raw enc-key-cert certificate
}

// ParsedLinkSpecs is the decoded form of an IntroPoint's (or a rendezvous
// point's) link specifier block.
type ParsedLinkSpecs struct {
	Address    string
	ORPort     uint16
	Identity   [20]byte // RSA identity fingerprint
	Ed25519ID  [32]byte
	HasEd25519 bool
}

// ParseLinkSpecifiers decodes a link specifier block (tor-spec §5.1.2: one
// NSPEC count byte followed by NSPEC [type, len, data] entries).
func ParseLinkSpecifiers(data []byte) (*ParsedLinkSpecs, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("link specifiers too short")
	}
	nspec := int(data[0])
	result := &ParsedLinkSpecs{}
	off := 1
	for i := 0; i < nspec; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("truncated link specifier %d", i)
		}
		lstype := data[off]
		lslen := int(data[off+1])
		off += 2
		if off+lslen > len(data) {
			return nil, fmt.Errorf("link specifier %d data truncated", i)
		}
		lsdata := data[off : off+lslen]
		off += lslen

		switch lstype {
		case 0x00: // IPv4: 4 bytes IP + 2 bytes port
			if lslen != 6 {
				continue
			}
			result.Address = net.IP(lsdata[:4]).String()
			result.ORPort = binary.BigEndian.Uint16(lsdata[4:6])
		case 0x01: // IPv6: 16 bytes IP + 2 bytes port
			if lslen != 18 {
				continue
			}
			result.Address = net.IP(lsdata[:16]).String()
			result.ORPort = binary.BigEndian.Uint16(lsdata[16:18])
		case 0x02: // RSA identity: 20 bytes
			if lslen != 20 {
				continue
			}
			copy(result.Identity[:], lsdata)
		case 0x03: // Ed25519 identity: 32 bytes
			if lslen != 32 {
				continue
			}
			copy(result.Ed25519ID[:], lsdata)
			result.HasEd25519 = true
		}
	}
	if result.Address == "" {
		return nil, fmt.Errorf("no IPv4 or IPv6 link specifier found")
	}
	return result, nil
}

// DecryptAndParseDescriptor peels both encryption layers off a fetched v3 HS
// descriptor and returns its introduction points.
func DecryptAndParseDescriptor(outer *DescriptorOuter, blindedKey [32]byte, subcredential [32]byte) ([]IntroPoint, error) {
	firstLayer, err := DecryptDescriptorLayer(
		outer.Superencrypted,
		blindedKey[:],
		subcredential[:],
		outer.RevisionCounter,
		"hsdir-superencrypted-data",
	)
	if err != nil {
		return nil, fmt.Errorf("decrypt first layer: %w", err)
	}

	secondLayerCiphertext, err := extractMessageBlock(string(firstLayer))
	if err != nil {
		return nil, fmt.Errorf("parse first layer: %w", err)
	}

	// The second layer carries no descriptor_cookie for public (non-client-auth)
	// services, so the same subcredential/blinded-key pair decrypts it.
	secondLayer, err := DecryptDescriptorLayer(
		secondLayerCiphertext,
		blindedKey[:],
		subcredential[:],
		outer.RevisionCounter,
		"hsdir-encrypted-data",
	)
	if err != nil {
		return nil, fmt.Errorf("decrypt second layer: %w", err)
	}

	return parseIntroPoints(string(secondLayer))
}

// extractMessageBlock pulls the base64 blob out of a descriptor layer's
// "-----BEGIN MESSAGE-----"/"-----END MESSAGE-----" armor and decodes it.
func extractMessageBlock(text string) ([]byte, error) {
	var inBlock bool
	var blockLines []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r \x00")
		if line == "-----BEGIN MESSAGE-----" {
			inBlock = true
			continue
		}
		if strings.Contains(line, "-----END MESSAGE-----") {
			// The END marker can share a line with the last chunk of base64.
			before := strings.TrimSpace(strings.Split(line, "-----END MESSAGE-----")[0])
			if before != "" && inBlock {
				blockLines = append(blockLines, before)
			}
			inBlock = false
			continue
		}
		if inBlock {
			blockLines = append(blockLines, strings.TrimSpace(line))
		}
	}

	if len(blockLines) == 0 {
		return nil, fmt.Errorf("no encrypted blob in first layer")
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.Join(blockLines, ""))
	if err != nil {
		return nil, fmt.Errorf("decode encrypted blob: %w", err)
	}
	return decoded, nil
}

// parseIntroPoints walks a decrypted second-layer plaintext, splitting it on
// "introduction-point" headers and folding each point's fields in turn.
func parseIntroPoints(text string) ([]IntroPoint, error) {
	var points []IntroPoint
	var current *IntroPoint

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if strings.HasPrefix(line, "introduction-point ") {
			if current != nil {
				points = append(points, *current)
			}
			ip, err := newIntroPointFromHeader(line)
			if err != nil {
				return nil, err
			}
			current = ip
			continue
		}

		if current == nil {
			continue
		}

		consumed, err := applyIntroPointField(current, lines, i, line)
		if err != nil {
			return nil, err
		}
		i = consumed
	}

	if current != nil {
		points = append(points, *current)
	}

	return points, nil
}

// applyIntroPointField recognizes one field line belonging to ip and mutates
// it in place, returning the line index to resume from (past any embedded
// certificate block it consumed).
func applyIntroPointField(ip *IntroPoint, lines []string, i int, line string) (int, error) {
	switch {
	case strings.HasPrefix(line, "onion-key ntor "):
		key, err := decodeKey32(strings.TrimPrefix(line, "onion-key ntor "), "onion-key")
		if err != nil {
			return i, err
		}
		ip.OnionKey = key
	case strings.HasPrefix(line, "enc-key ntor "):
		key, err := decodeKey32(strings.TrimPrefix(line, "enc-key ntor "), "enc-key")
		if err != nil {
			return i, err
		}
		ip.EncKey = key
	case line == "auth-key":
		cert, end := extractEd25519Cert(lines, i+1)
		if cert != nil {
			ip.AuthKeyCert = cert
			if len(cert) >= 39 {
				copy(ip.AuthKey[:], cert[7:39]) // CERT body: key follows a 7-byte header
			}
			i = end
		}
	case line == "enc-key-cert":
		cert, end := extractEd25519Cert(lines, i+1)
		if cert != nil {
			ip.EncKeyCert = cert
			i = end
		}
	}
	return i, nil
}

func newIntroPointFromHeader(line string) (*IntroPoint, error) {
	b64 := strings.TrimPrefix(line, "introduction-point ")
	ls, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		ls, err = base64.RawStdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode link specifiers: %w", err)
		}
	}
	return &IntroPoint{LinkSpecifiers: ls}, nil
}

func decodeKey32(b64, name string) ([32]byte, error) {
	var key [32]byte
	keyBytes, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		keyBytes, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return key, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	if len(keyBytes) != 32 {
		return key, fmt.Errorf("%s has invalid length: got %d, want 32", name, len(keyBytes))
	}
	copy(key[:], keyBytes)
	return key, nil
}

// extractEd25519Cert reads a "-----BEGIN/END ED25519 CERT-----" armored block
// starting at lines[start], returning the decoded certificate and the index
// of its END line.
func extractEd25519Cert(lines []string, start int) ([]byte, int) {
	if start >= len(lines) {
		return nil, start
	}

	if lines[start] != "-----BEGIN ED25519 CERT-----" {
		return nil, start
	}

	var certLines []string
	for i := start + 1; i < len(lines); i++ {
		if lines[i] == "-----END ED25519 CERT-----" {
			decoded, err := base64.StdEncoding.DecodeString(strings.Join(certLines, ""))
			if err != nil {
				return nil, i
			}
			return decoded, i
		}
		certLines = append(certLines, lines[i])
	}
	return nil, start
}
