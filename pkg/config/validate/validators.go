package validate

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/multiformats/go-multiaddr"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "content.gateways[1]"
	Message string // e.g., "invalid multiaddr"
	Hint    string // e.g., "expected https://host/ipfs/ or /dns4/host/tcp/443/https"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidateDataDir validates that a directory exists and is writable, or that
// it can be created later.
func ValidateDataDir(path string) error {
	if path == "" {
		return fmt.Errorf("must not be empty")
	}

	expandedPath := os.ExpandEnv(path)
	if strings.HasPrefix(expandedPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %v", err)
		}
		expandedPath = filepath.Join(home, expandedPath[1:])
	}

	info, err := os.Stat(expandedPath)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory")
		}
		return ValidateDirWritable(expandedPath)
	case os.IsNotExist(err):
		parent := filepath.Dir(expandedPath)
		pinfo, perr := os.Stat(parent)
		if perr != nil {
			if !os.IsNotExist(perr) {
				return fmt.Errorf("parent directory not accessible: %v", perr)
			}
			// created at runtime
			return nil
		}
		if !pinfo.IsDir() {
			return fmt.Errorf("parent path is not a directory")
		}
		if err := ValidateDirWritable(parent); err != nil {
			return fmt.Errorf("parent directory not writable: %v", err)
		}
		return nil
	default:
		return fmt.Errorf("cannot access path: %v", err)
	}
}

// ValidateDirWritable validates that a directory exists and is writable.
func ValidateDirWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access directory: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory")
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte(""), 0644); err != nil {
		return fmt.Errorf("directory not writable: %v", err)
	}
	os.Remove(testFile)

	return nil
}

// ValidateFileReadable validates that a file exists and is readable.
func ValidateFileReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot read file: %v", err)
	}
	f.Close()
	return nil
}

// ValidateListenAddr validates a host:port listen address. The host may be
// empty (":8090") to listen on all interfaces.
func ValidateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("expected format host:port")
	}
	return ValidatePortString(port)
}

// ValidatePortString validates a decimal port in 1..65535.
func ValidatePortString(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535; got %q", port)
	}
	return nil
}

// ValidateURL validates an absolute URL whose scheme is one of schemes.
func ValidateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q; allowed: %s", u.Scheme, strings.Join(schemes, ", "))
}

// ValidateGateway validates a content gateway entry: either an http(s) base
// URL ending in "/" or a multiaddr carrying a transport and http/https.
func ValidateGateway(entry string) error {
	if strings.HasPrefix(entry, "/") {
		ma, err := multiaddr.NewMultiaddr(entry)
		if err != nil {
			return fmt.Errorf("invalid multiaddr: %v", err)
		}
		if _, err := ma.ValueForProtocol(multiaddr.P_TCP); err != nil {
			return fmt.Errorf("multiaddr must contain /tcp/<port>")
		}
		return nil
	}
	if err := ValidateURL(entry, "http", "https"); err != nil {
		return err
	}
	if !strings.HasSuffix(entry, "/") {
		return fmt.Errorf("gateway base URL must end with '/'")
	}
	return nil
}

// ValidateAddress validates a 0x-prefixed 20-byte hex address.
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("address must be 0x-prefixed")
	}
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("not a 20-byte hex address")
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("zero address")
	}
	return nil
}

// ValidatePrivateKey validates a hex-encoded secp256k1 private key, with or
// without 0x prefix.
func ValidatePrivateKey(key string) error {
	key = strings.TrimPrefix(strings.TrimSpace(key), "0x")
	if len(key) != 64 {
		return fmt.Errorf("private key must be 64 hex characters (32 bytes), got %d", len(key))
	}
	if _, err := crypto.HexToECDSA(key); err != nil {
		return fmt.Errorf("invalid private key: %v", err)
	}
	return nil
}
