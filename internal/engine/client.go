package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
)

// Client wraps the Docker SDK client for one node.
type Client struct {
	inner  *client.Client
	nodeID string
	closer func() error
}

var _ Runtime = (*Client)(nil)

// Dial builds a client for the target's transport: tcp (optionally TLS), unix or ssh.
// Dial does not contact the daemon; call Ping for that.
func Dial(ctx context.Context, target Target) (*Client, error) {
	host := strings.TrimSpace(target.Host)
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse node host: %w", err)
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	var closer func() error
	switch u.Scheme {
	case "unix":
		opts = append(opts, client.WithHost(host))
	case "tcp":
		opts = append(opts, client.WithHost(host))
		if target.TLSCACert != "" || target.TLSCert != "" {
			httpClient, err := tlsHTTPClient(target)
			if err != nil {
				return nil, err
			}
			opts = append(opts, client.WithHTTPClient(httpClient))
		}
	case "ssh":
		tunnel, err := dialSSH(ctx, u, target)
		if err != nil {
			return nil, err
		}
		closer = tunnel.Close
		opts = append(opts,
			client.WithHost("unix://"+tunnel.socket),
			client.WithDialContext(tunnel.DialContext),
		)
	default:
		return nil, fmt.Errorf("unsupported node host scheme %q", u.Scheme)
	}

	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner, nodeID: target.NodeID, closer: closer}, nil
}

func tlsHTTPClient(target Target) (*http.Client, error) {
	cfg := tlsconfig.ClientDefault()
	if target.TLSCACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(target.TLSCACert)) {
			return nil, errors.New("node tls: invalid CA certificate")
		}
		cfg.RootCAs = pool
	}
	if target.TLSCert != "" {
		pair, err := tls.X509KeyPair([]byte(target.TLSCert), target.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("node tls: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}, nil
}

// Ping validates connectivity and returns engine facts.
func (c *Client) Ping(ctx context.Context) (Info, error) {
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return Info{}, classify("docker ping", err)
	}
	if ping.APIVersion == "" {
		return Info{}, classify("docker ping", errors.New("empty API version"))
	}
	info, err := c.inner.Info(ctx)
	if err != nil {
		return Info{}, classify("docker info", err)
	}
	return Info{
		ServerVersion: info.ServerVersion,
		APIVersion:    ping.APIVersion,
		OS:            info.OperatingSystem,
		Arch:          info.Architecture,
		CPUs:          info.NCPU,
		MemoryBytes:   info.MemTotal,
	}, nil
}

// Close releases resources held by the Docker client and any tunnel.
func (c *Client) Close() error {
	var errs []error
	if c.inner != nil {
		errs = append(errs, c.inner.Close())
	}
	if c.closer != nil {
		errs = append(errs, c.closer())
	}
	return errors.Join(errs...)
}
