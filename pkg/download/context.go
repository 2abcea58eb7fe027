/*
Copyright © 2022 - 2023 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package download drives the ISO download pipeline as a deadline-driven
// state machine: Init, LinkWait, Dhcp, Dns, Connect, Http, then Done or
// Failed. Each stage backend sits behind an interface so the machine
// runs identically against production networking and test fakes.
package download

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/morpheusx/morpheusx/pkg/feedback"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// Stage timeouts in seconds (spec'd per state).
const (
	LinkTimeoutSec    = 5
	DhcpTimeoutSec    = 10
	DnsTimeoutSec     = 5
	ConnectTimeoutSec = 10
	HTTPIdleSec       = 30
)

// NetConfig is what DHCP hands the interface: address, route and up to
// three name servers.
type NetConfig struct {
	IP      net.IP
	Prefix  int
	Gateway net.IP
	DNS     []net.IP
}

// LinkWaiter reports physical link state.
type LinkWaiter interface {
	// Immediate short-circuits the wait (paravirtual links).
	Immediate() bool
	LinkUp() bool
}

// DhcpClient acquires a lease asynchronously.
type DhcpClient interface {
	Start() error
	// Poll returns the configuration once the lease arrives.
	Poll() (*NetConfig, bool, error)
}

// Resolver answers a single A query asynchronously.
type Resolver interface {
	Start(host string, server net.IP) error
	Poll() (net.IP, bool, error)
}

// Dialer opens the TCP connection asynchronously.
type Dialer interface {
	Start(ip net.IP, port uint16, ephemeralPort uint16) error
	Poll() (net.Conn, bool, error)
}

// BodySink receives response body bytes; the chunk writer and the
// counting sink both satisfy it.
type BodySink interface {
	Write(p []byte) (int, error)
	Finalize() error
	BytesWritten() uint64
}

// CountingSink discards bytes, for download-only mode.
type CountingSink struct {
	n uint64
}

func (s *CountingSink) Write(p []byte) (int, error) {
	s.n += uint64(len(p))
	return len(p), nil
}

func (s *CountingSink) Finalize() error {
	return nil
}

func (s *CountingSink) BytesWritten() uint64 {
	return s.n
}

// Config parameterizes one download run.
type Config struct {
	URL  string
	Sink BodySink

	Link LinkWaiter
	Dhcp DhcpClient
	Dns  Resolver
	Dial Dialer

	Clock types.Clock
	Ring  *feedback.Ring
	Log   types.Logger
}

// Context is the shared state threaded through every step.
type Context struct {
	cfg Config

	host string
	port uint16
	path string

	netConfig *NetConfig
	serverIP  net.IP
	conn      net.Conn

	bytesDownloaded uint64
	contentLength   int64
}

func newContext(cfg Config) *Context {
	return &Context{cfg: cfg, contentLength: -1}
}

// parseURL splits the download URL into host, port and request path.
// Only plain http is in scope.
func (c *Context) parseURL() error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("missing host in %q", c.cfg.URL)
	}
	c.host = u.Hostname()
	c.port = 80
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return err
		}
		c.port = uint16(n)
	}
	c.path = u.RequestURI()
	if c.path == "" {
		c.path = "/"
	}
	return nil
}

// ephemeralPort derives the source port from the clock's low bits,
// keeping it inside the dynamic range.
func (c *Context) ephemeralPort() uint16 {
	return uint16(0xC000 + c.cfg.Clock.Ticks()&0x3FFF)
}

// elapsedSec converts a tick delta into whole seconds.
func (c *Context) elapsedSec(sinceTicks uint64) uint64 {
	freq := c.cfg.Clock.Frequency()
	if freq == 0 {
		return 0
	}
	return (c.cfg.Clock.Ticks() - sinceTicks) / freq
}
