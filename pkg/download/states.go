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
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/morpheusx/morpheusx/pkg/constants"
	"github.com/morpheusx/morpheusx/pkg/feedback"
)

// StepResult is what a state's step reports to the loop.
type StepResult int

const (
	Continue StepResult = iota
	Transition
	Finished
	Failure
)

// State is one stage of the machine. Step is a pure transition on the
// shared context; entry time tracking lives in each state value.
type State interface {
	Name() string
	Step(ctx *Context) (State, StepResult)
}

// failure is the terminal error state carrying the post-mortem reason.
type failure struct {
	reason string
}

func fail(ctx *Context, stage feedback.Stage, reason string) (State, StepResult) {
	ctx.cfg.Ring.Log(stage, true, reason)
	ctx.cfg.Log.Errorf("download failed: %s", reason)
	return &failure{reason: reason}, Failure
}

func (s *failure) Name() string { return "Failed" }

func (s *failure) Step(*Context) (State, StepResult) {
	return s, Failure
}

// done is the terminal success state.
type done struct{}

func (s *done) Name() string { return "Done" }

func (s *done) Step(*Context) (State, StepResult) {
	return s, Finished
}

// initState validates the configuration and the URL.
type initState struct{}

func (s *initState) Name() string { return "Init" }

func (s *initState) Step(ctx *Context) (State, StepResult) {
	if ctx.cfg.Sink == nil || ctx.cfg.Link == nil || ctx.cfg.Dhcp == nil ||
		ctx.cfg.Dns == nil || ctx.cfg.Dial == nil {
		return fail(ctx, feedback.StageInit, "incomplete download config")
	}
	if err := ctx.parseURL(); err != nil {
		return fail(ctx, feedback.StageInit, fmt.Sprintf("bad URL: %v", err))
	}
	ctx.cfg.Ring.Logf(feedback.StageInit, false, "downloading %s:%d%s", ctx.host, ctx.port, ctx.path)
	return &linkWaitState{}, Transition
}

// linkWaitState spins on the physical link with a 5 s cap.
type linkWaitState struct {
	startTicks uint64
}

func (s *linkWaitState) Name() string { return "LinkWait" }

func (s *linkWaitState) Step(ctx *Context) (State, StepResult) {
	if s.startTicks == 0 {
		s.startTicks = ctx.cfg.Clock.Ticks()
	}
	if ctx.cfg.Link.Immediate() || ctx.cfg.Link.LinkUp() {
		return &dhcpState{}, Transition
	}
	if ctx.elapsedSec(s.startTicks) >= LinkTimeoutSec {
		return fail(ctx, feedback.StageNet, "link timeout")
	}
	return s, Continue
}

// dhcpState polls for a lease with a 10 s cap.
type dhcpState struct {
	startTicks uint64
	started    bool
}

func (s *dhcpState) Name() string { return "Dhcp" }

func (s *dhcpState) Step(ctx *Context) (State, StepResult) {
	if !s.started {
		s.startTicks = ctx.cfg.Clock.Ticks()
		s.started = true
		if err := ctx.cfg.Dhcp.Start(); err != nil {
			return fail(ctx, feedback.StageDhcp, fmt.Sprintf("DHCP start: %v", err))
		}
	}
	config, ok, err := ctx.cfg.Dhcp.Poll()
	if err != nil {
		return fail(ctx, feedback.StageDhcp, fmt.Sprintf("DHCP error: %v", err))
	}
	if ok {
		ctx.netConfig = config
		ctx.cfg.Ring.Logf(feedback.StageDhcp, false, "configured %s/%d gw %s",
			config.IP, config.Prefix, config.Gateway)
		return &dnsState{}, Transition
	}
	if ctx.elapsedSec(s.startTicks) >= DhcpTimeoutSec {
		return fail(ctx, feedback.StageDhcp, "DHCP timeout")
	}
	return s, Continue
}

// dnsState resolves the host unless it is a literal address.
type dnsState struct {
	startTicks uint64
	started    bool
}

func (s *dnsState) Name() string { return "Dns" }

func (s *dnsState) Step(ctx *Context) (State, StepResult) {
	if ip := net.ParseIP(ctx.host); ip != nil {
		ctx.serverIP = ip
		return &connectState{}, Transition
	}
	if !s.started {
		s.startTicks = ctx.cfg.Clock.Ticks()
		s.started = true
		if len(ctx.netConfig.DNS) == 0 {
			return fail(ctx, feedback.StageDns, "no DNS server from DHCP")
		}
		if err := ctx.cfg.Dns.Start(ctx.host, ctx.netConfig.DNS[0]); err != nil {
			return fail(ctx, feedback.StageDns, fmt.Sprintf("DNS start: %v", err))
		}
	}
	ip, ok, err := ctx.cfg.Dns.Poll()
	if err != nil {
		return fail(ctx, feedback.StageDns, fmt.Sprintf("DNS error: %v", err))
	}
	if ok {
		ctx.serverIP = ip
		ctx.cfg.Ring.Logf(feedback.StageDns, false, "%s is %s", ctx.host, ip)
		return &connectState{}, Transition
	}
	if ctx.elapsedSec(s.startTicks) >= DnsTimeoutSec {
		return fail(ctx, feedback.StageDns, "DNS timeout")
	}
	return s, Continue
}

// connectState opens the TCP connection.
type connectState struct {
	startTicks uint64
	started    bool
}

func (s *connectState) Name() string { return "Connect" }

func (s *connectState) Step(ctx *Context) (State, StepResult) {
	if !s.started {
		s.startTicks = ctx.cfg.Clock.Ticks()
		s.started = true
		if err := ctx.cfg.Dial.Start(ctx.serverIP, ctx.port, ctx.ephemeralPort()); err != nil {
			return fail(ctx, feedback.StageNet, fmt.Sprintf("connect start: %v", err))
		}
	}
	conn, ok, err := ctx.cfg.Dial.Poll()
	if err != nil {
		return fail(ctx, feedback.StageNet, "TCP closed")
	}
	if ok {
		ctx.conn = conn
		return &httpState{}, Transition
	}
	if ctx.elapsedSec(s.startTicks) >= ConnectTimeoutSec {
		return fail(ctx, feedback.StageNet, "TCP connect timeout")
	}
	return s, Continue
}

// httpState sends the GET and streams the body into the sink. The
// stream is bounded by the per-read idle deadline rather than a total
// cap; stalled servers fail, slow ones finish.
type httpState struct{}

func (s *httpState) Name() string { return "Http" }

func (s *httpState) Step(ctx *Context) (State, StepResult) {
	defer func() {
		_ = ctx.conn.Close()
	}()

	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nAccept: */*\r\nConnection: close\r\n\r\n",
		ctx.path, ctx.host, constants.UserAgent)
	if err := ctx.conn.SetWriteDeadline(time.Now().Add(HTTPIdleSec * time.Second)); err == nil {
		if _, err := io.WriteString(ctx.conn, request); err != nil {
			return fail(ctx, feedback.StageHTTP, fmt.Sprintf("request write: %v", err))
		}
	}

	reader := bufio.NewReaderSize(&idleConn{conn: ctx.conn}, 64*1024)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		return fail(ctx, feedback.StageHTTP, fmt.Sprintf("malformed response: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fail(ctx, feedback.StageHTTP, fmt.Sprintf("HTTP status %d", resp.StatusCode))
	}
	ctx.contentLength = resp.ContentLength
	ctx.cfg.Ring.Logf(feedback.StageHTTP, false, "response %d, length %d", resp.StatusCode, resp.ContentLength)

	n, err := io.Copy(ctx.cfg.Sink, resp.Body)
	ctx.bytesDownloaded = uint64(n)
	if err != nil {
		return fail(ctx, feedback.StageHTTP, fmt.Sprintf("body stream: %v", err))
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fail(ctx, feedback.StageHTTP, "short body")
	}
	if err := ctx.cfg.Sink.Finalize(); err != nil {
		return fail(ctx, feedback.StageStorage, fmt.Sprintf("finalize: %v", err))
	}
	ctx.cfg.Ring.Logf(feedback.StageHTTP, false, "downloaded %d bytes", n)
	return &done{}, Finished
}

// idleConn arms a fresh read deadline before every read, implementing
// the 30 s idle timeout.
type idleConn struct {
	conn net.Conn
}

func (c *idleConn) Read(p []byte) (int, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(HTTPIdleSec * time.Second))
	return c.conn.Read(p)
}
