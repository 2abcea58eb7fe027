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

package download

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/miekg/dns"
	"github.com/vishvananda/netlink"
)

// NetlinkLinkWaiter reads the interface operational state.
type NetlinkLinkWaiter struct {
	Interface string
}

func (w *NetlinkLinkWaiter) Immediate() bool {
	return false
}

func (w *NetlinkLinkWaiter) LinkUp() bool {
	link, err := netlink.LinkByName(w.Interface)
	if err != nil {
		return false
	}
	return link.Attrs().OperState == netlink.OperUp
}

// asyncResult carries a backend goroutine's outcome to the poll loop.
type asyncResult[T any] struct {
	value T
	err   error
}

// NclientDhcp acquires a lease with the nclient4 DHCPv4 client.
type NclientDhcp struct {
	Interface string
	ch        chan asyncResult[*NetConfig]
}

func (d *NclientDhcp) Start() error {
	d.ch = make(chan asyncResult[*NetConfig], 1)
	go func() {
		client, err := nclient4.New(d.Interface)
		if err != nil {
			d.ch <- asyncResult[*NetConfig]{err: err}
			return
		}
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), DhcpTimeoutSec*time.Second)
		defer cancel()
		lease, err := client.Request(ctx)
		if err != nil {
			d.ch <- asyncResult[*NetConfig]{err: err}
			return
		}
		ack := lease.ACK
		prefix, _ := ack.SubnetMask().Size()
		cfg := &NetConfig{IP: ack.YourIPAddr, Prefix: prefix}
		if routers := ack.Router(); len(routers) > 0 {
			cfg.Gateway = routers[0]
		}
		servers := ack.DNS()
		if len(servers) > 3 {
			servers = servers[:3]
		}
		cfg.DNS = servers
		d.ch <- asyncResult[*NetConfig]{value: cfg}
	}()
	return nil
}

func (d *NclientDhcp) Poll() (*NetConfig, bool, error) {
	select {
	case r := <-d.ch:
		return r.value, r.err == nil, r.err
	default:
		return nil, false, nil
	}
}

// MiekgResolver issues one A query against the DHCP-supplied server.
type MiekgResolver struct {
	ch chan asyncResult[net.IP]
}

func (r *MiekgResolver) Start(host string, server net.IP) error {
	r.ch = make(chan asyncResult[net.IP], 1)
	go func() {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), dns.TypeA)
		client := &dns.Client{Timeout: DnsTimeoutSec * time.Second}
		in, _, err := client.Exchange(m, net.JoinHostPort(server.String(), "53"))
		if err != nil {
			r.ch <- asyncResult[net.IP]{err: err}
			return
		}
		for _, answer := range in.Answer {
			if a, ok := answer.(*dns.A); ok {
				// First IPv4 answer wins.
				r.ch <- asyncResult[net.IP]{value: a.A}
				return
			}
		}
		r.ch <- asyncResult[net.IP]{err: fmt.Errorf("no A record for %s", host)}
	}()
	return nil
}

func (r *MiekgResolver) Poll() (net.IP, bool, error) {
	select {
	case res := <-r.ch:
		return res.value, res.err == nil, res.err
	default:
		return nil, false, nil
	}
}

// TCPDialer opens the connection with the requested source port,
// falling back to an OS-picked port when the bind races another socket.
type TCPDialer struct {
	ch chan asyncResult[net.Conn]
}

func (d *TCPDialer) Start(ip net.IP, port uint16, ephemeralPort uint16) error {
	d.ch = make(chan asyncResult[net.Conn], 1)
	go func() {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		dialer := &net.Dialer{
			Timeout:   ConnectTimeoutSec * time.Second,
			LocalAddr: &net.TCPAddr{Port: int(ephemeralPort)},
		}
		conn, err := dialer.Dial("tcp4", addr)
		if err != nil {
			dialer.LocalAddr = nil
			conn, err = dialer.Dial("tcp4", addr)
		}
		d.ch <- asyncResult[net.Conn]{value: conn, err: err}
	}()
	return nil
}

func (d *TCPDialer) Poll() (net.Conn, bool, error) {
	select {
	case r := <-d.ch:
		return r.value, r.err == nil, r.err
	default:
		return nil, false, nil
	}
}
