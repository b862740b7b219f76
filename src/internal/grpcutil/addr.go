package grpcutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

const (
	// DefaultStorePort is the content store's default NodePort.
	DefaultStorePort = 30650
)

// ErrNoStoreAddress is returned by ParseStoreAddress when the input is an empty string.
var ErrNoStoreAddress = errors.New("no content store address specified")

// StoreAddress is a parsed content store address.
type StoreAddress struct {
	// Secured specifies whether grpcs should be used
	Secured bool
	// Host specifies the store host without the port
	Host string
	// Port specifies the store port
	Port uint16
}

// ParseStoreAddress parses values like "grpcs://pachd.example.com:443", "http://localhost" or
// "10.0.0.1:1650".  A missing scheme means grpc and a missing port means DefaultStorePort.
func ParseStoreAddress(value string) (*StoreAddress, error) {
	if value == "" {
		return nil, ErrNoStoreAddress
	}

	if !strings.Contains(value, "://") {
		// url.Parse doesn't handle host:port without a scheme
		value = "grpc://" + value
	}

	u, err := url.Parse(value)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse store address")
	}

	switch u.Scheme {
	case "grpc", "grpcs", "http", "https":
	default:
		return nil, errors.Errorf("unrecognized scheme in store address: %s", u.Scheme)
	}

	switch {
	case u.Path != "" && u.Path != "/":
		return nil, errors.New("store address should not include a path")
	case u.User != nil:
		return nil, errors.New("store address should not include login credentials")
	case u.RawQuery != "":
		return nil, errors.New("store address should not include a query string")
	case u.Fragment != "":
		return nil, errors.New("store address should not include a fragment")
	case u.Hostname() == "":
		return nil, errors.Errorf("store address %q has no host", value)
	}

	port := uint16(DefaultStorePort)
	if strport := u.Port(); strport != "" {
		maybePort, err := strconv.ParseUint(strport, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "could not parse port in address")
		}
		port = uint16(maybePort)
	}

	return &StoreAddress{
		Secured: u.Scheme == "grpcs" || u.Scheme == "https",
		Host:    u.Hostname(),
		Port:    port,
	}, nil
}

// Qualified returns the "fully qualified" address, including the scheme.
func (a *StoreAddress) Qualified() string {
	if a.Secured {
		return "grpcs://" + a.HostPort()
	}
	return "grpc://" + a.HostPort()
}

// HostPort returns host:port, bracketing IPv6 hosts.
func (a *StoreAddress) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Target returns a string suitable for grpc.NewClient.
func (a *StoreAddress) Target() string {
	return fmt.Sprintf("dns:///%s", a.HostPort())
}
