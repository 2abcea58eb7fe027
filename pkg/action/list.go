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
	"github.com/docker/go-units"

	"github.com/morpheusx/morpheusx/pkg/chunkstore"
	morpherr "github.com/morpheusx/morpheusx/pkg/error"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// IsoStatus is one stored ISO as shown by the list action.
type IsoStatus struct {
	Index    int
	Name     string
	Size     string
	Chunks   int
	Progress uint8
	Complete bool
}

// ListAction enumerates stored ISOs on a disk.
type ListAction struct {
	cfg    *types.Config
	target string
	opener DeviceOpener
}

func NewListAction(cfg *types.Config, target string, opener DeviceOpener) *ListAction {
	if opener == nil {
		opener = defaultOpener(cfg)
	}
	return &ListAction{cfg: cfg, target: target, opener: opener}
}

func (a *ListAction) Run() ([]IsoStatus, error) {
	if err := requireTarget(a.target); err != nil {
		return nil, morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	dev, closer, err := a.opener(a.target)
	if err != nil {
		return nil, morpherr.NewFromError(err, morpherr.ScanDisks)
	}
	defer func() {
		_ = closer()
	}()

	manager, err := chunkstore.NewManager(dev, a.cfg.Logger)
	if err != nil {
		return nil, morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	var out []IsoStatus
	for i, m := range manager.Manifests() {
		out = append(out, IsoStatus{
			Index:    i,
			Name:     m.IsoName,
			Size:     units.HumanSize(float64(m.TotalSize)),
			Chunks:   len(m.Chunks),
			Progress: m.Progress(),
			Complete: m.Complete,
		})
	}
	return out, nil
}

// RemoveAction deletes one stored ISO with its chunk partitions.
type RemoveAction struct {
	cfg    *types.Config
	target string
	index  int
	opener DeviceOpener
}

func NewRemoveAction(cfg *types.Config, target string, index int, opener DeviceOpener) *RemoveAction {
	if opener == nil {
		opener = defaultOpener(cfg)
	}
	return &RemoveAction{cfg: cfg, target: target, index: index, opener: opener}
}

func (a *RemoveAction) Run() error {
	if err := requireTarget(a.target); err != nil {
		return morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	dev, closer, err := a.opener(a.target)
	if err != nil {
		return morpherr.NewFromError(err, morpherr.ScanDisks)
	}
	defer func() {
		_ = closer()
	}()

	manager, err := chunkstore.NewManager(dev, a.cfg.Logger)
	if err != nil {
		return morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	manifest, err := manager.Get(a.index)
	if err != nil {
		return morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	if err := manager.Remove(a.index); err != nil {
		return morpherr.NewFromError(err, morpherr.ChunkedStorage)
	}
	a.cfg.Logger.Infof("removed %s and its chunk partitions", manifest.IsoName)
	return nil
}
