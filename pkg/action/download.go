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

package action

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/morpheusx/morpheusx/pkg/chunkstore"
	"github.com/morpheusx/morpheusx/pkg/download"
	morpherr "github.com/morpheusx/morpheusx/pkg/error"
	"github.com/morpheusx/morpheusx/pkg/feedback"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// DownloadAction streams an ISO into chunk partitions, or just counts
// bytes in download-only mode.
type DownloadAction struct {
	cfg    *types.Config
	spec   *types.DownloadSpec
	opener DeviceOpener
	ring   *feedback.Ring

	link download.LinkWaiter
	dhcp download.DhcpClient
	dns  download.Resolver
	dial download.Dialer

	// sizeProbe fetches the ISO size ahead of allocation.
	sizeProbe func(url string) (uint64, error)

	managerOpts []chunkstore.ManagerOption
}

type DownloadOption func(*DownloadAction)

func WithDownloadOpener(opener DeviceOpener) DownloadOption {
	return func(a *DownloadAction) {
		a.opener = opener
	}
}

// WithBackends overrides the stage backends.
func WithBackends(link download.LinkWaiter, dhcp download.DhcpClient,
	dns download.Resolver, dial download.Dialer) DownloadOption {
	return func(a *DownloadAction) {
		a.link, a.dhcp, a.dns, a.dial = link, dhcp, dns, dial
	}
}

// WithFeedbackRing substitutes a shared post-mortem ring.
func WithFeedbackRing(ring *feedback.Ring) DownloadOption {
	return func(a *DownloadAction) {
		a.ring = ring
	}
}

// WithSizeProbe overrides how the total ISO size is determined.
func WithSizeProbe(probe func(url string) (uint64, error)) DownloadOption {
	return func(a *DownloadAction) {
		a.sizeProbe = probe
	}
}

// WithManagerOptions forwards options to the chunk storage manager.
func WithManagerOptions(opts ...chunkstore.ManagerOption) DownloadOption {
	return func(a *DownloadAction) {
		a.managerOpts = opts
	}
}

func NewDownloadAction(cfg *types.Config, spec *types.DownloadSpec, opts ...DownloadOption) *DownloadAction {
	a := &DownloadAction{cfg: cfg, spec: spec, ring: feedback.NewRing()}
	for _, opt := range opts {
		opt(a)
	}
	if a.opener == nil {
		a.opener = defaultOpener(cfg)
	}
	if a.sizeProbe == nil {
		a.sizeProbe = headSizeProbe
	}
	return a
}

// headSizeProbe asks the server for the Content-Length ahead of chunk
// allocation.
func headSizeProbe(url string) (uint64, error) {
	resp, err := http.Head(url) // nolint:gosec
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HEAD status %d", resp.StatusCode)
	}
	if resp.ContentLength <= 0 {
		return 0, fmt.Errorf("server did not report a length")
	}
	return uint64(resp.ContentLength), nil
}

// isoName derives the stored name from the spec or the URL path.
func (a *DownloadAction) isoName() string {
	if a.spec.IsoName != "" {
		return a.spec.IsoName
	}
	name := path.Base(a.spec.URL)
	if name == "" || name == "." || name == "/" {
		name = "unnamed.iso"
	}
	if idx := strings.IndexByte(name, '?'); idx > 0 {
		name = name[:idx]
	}
	return name
}

// Ring exposes the run's feedback entries for post-mortem display.
func (a *DownloadAction) Ring() *feedback.Ring {
	return a.ring
}

func (a *DownloadAction) Run() error {
	var sink download.BodySink
	var closer func() error

	if a.spec.Target == "" {
		// Download-only mode counts bytes without touching a disk.
		sink = &download.CountingSink{}
	} else {
		dev, c, err := a.opener(a.spec.Target)
		if err != nil {
			return morpherr.NewFromError(err, morpherr.ScanDisks)
		}
		closer = c

		manager, err := chunkstore.NewManager(dev, a.cfg.Logger, a.managerOpts...)
		if err != nil {
			return morpherr.NewFromError(err, morpherr.ChunkedStorage)
		}
		size, err := a.sizeProbe(a.spec.URL)
		if err != nil {
			a.ring.Logf(feedback.StageHTTP, true, "size probe: %v", err)
			return morpherr.NewFromError(err, morpherr.DownloadISO)
		}
		writer, err := manager.AllocateFor(a.isoName(), size)
		if err != nil {
			a.ring.Logf(feedback.StageStorage, true, "allocate: %v", err)
			return morpherr.NewFromError(err, morpherr.ChunkedStorage)
		}
		sink = writer
	}
	if closer != nil {
		defer func() {
			_ = closer()
		}()
	}

	result := download.NewOrchestrator(download.Config{
		URL:   a.spec.URL,
		Sink:  sink,
		Link:  a.link,
		Dhcp:  a.dhcp,
		Dns:   a.dns,
		Dial:  a.dial,
		Clock: a.cfg.Clock,
		Ring:  a.ring,
		Log:   a.cfg.Logger,
	}).Run()

	if !result.Success {
		return morpherr.New(fmt.Sprintf("download failed: %s", result.Reason), morpherr.DownloadISO)
	}
	a.cfg.Logger.Infof("downloaded %d bytes of %s", result.BytesDownloaded, a.isoName())
	return nil
}
