package comp

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/async"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/opmon"
)

const assetJobGroup = "assets"

// AssetFetcher makes the content of an uri available locally. Fetch blocks
// and is never called inside a transaction.
type AssetFetcher interface {
	Fetch(uri string) (localPath string, err error)
}

// AssetFetcherFunc adapts a function to AssetFetcher
type AssetFetcherFunc func(uri string) (string, error)

// Fetch implements AssetFetcher
func (f AssetFetcherFunc) Fetch(uri string) (string, error) {
	return f(uri)
}

// ContentLink links a cell to a content uri and resolves it to a local path
// with the AssetFetcher of the services
type ContentLink struct {
	entity.ComponentBase
	services *Services

	lock      sync.Mutex
	uri       string
	localPath string
	resolving string // uri being fetched
	active    bool
}

// NewContentLink creates a ContentLink component
func NewContentLink(s *Services) *ContentLink {
	return &ContentLink{services: s}
}

func (cl *ContentLink) String() string {
	return fmt.Sprintf("ContentLink<%s>", cl.CellID())
}

// Capability implements entity.Component
func (cl *ContentLink) Capability() string {
	return CapContentLink
}

// OnActivated starts resolving the uri if it is not resolved yet
func (cl *ContentLink) OnActivated() {
	cl.lock.Lock()
	cl.active = true
	cl.lock.Unlock()
	cl.Resolve()
}

// OnDetached forgets the owner
func (cl *ContentLink) OnDetached() {
	cl.lock.Lock()
	cl.active = false
	cl.lock.Unlock()
	cl.ComponentBase.OnDetached()
}

// URI returns the content uri
func (cl *ContentLink) URI() string {
	cl.lock.Lock()
	defer cl.lock.Unlock()
	return cl.uri
}

// LocalPath returns the local path of the content, empty until resolved
func (cl *ContentLink) LocalPath() string {
	cl.lock.Lock()
	defer cl.lock.Unlock()
	return cl.localPath
}

// SetURI links the cell to uri. Call it inside a transaction; the uri is
// resolved after the transaction commits.
func (cl *ContentLink) SetURI(tx *entity.Txn, uri string) error {
	c := tx.Cell(cl.CellID())
	if c == nil {
		return errors.Wrapf(entity.ErrCellNotLive, "%s.SetURI", cl)
	}
	cl.lock.Lock()
	if cl.uri == uri {
		cl.lock.Unlock()
		return nil
	}
	cl.uri = uri
	cl.localPath = ""
	cl.lock.Unlock()
	if err := c.NotifyChanged(); err != nil {
		return err
	}
	if c.IsActivated() {
		tx.AfterCommit(cl.Resolve)
	}
	return nil
}

// Resolve fetches the uri on the asset worker, unless it is resolved or being
// fetched already. The local path is stored by a later transaction.
func (cl *ContentLink) Resolve() {
	fetcher := cl.services.Fetcher
	cl.lock.Lock()
	uri := cl.uri
	if fetcher == nil || uri == "" || cl.localPath != "" || cl.resolving == uri {
		cl.lock.Unlock()
		return
	}
	cl.resolving = uri
	cl.lock.Unlock()

	async.AppendAsyncJob(assetJobGroup, func() (interface{}, error) {
		return fetcher.Fetch(uri)
	}, func(res interface{}, err error) {
		cl.onFetched(uri, res, err)
	})
}

func (cl *ContentLink) onFetched(uri string, res interface{}, err error) {
	cl.lock.Lock()
	if cl.resolving == uri {
		cl.resolving = ""
	}
	cl.lock.Unlock()
	if err != nil {
		opmon.Event("contentlink.fetch_failed")
		gwlog.Warnf("%s: fetch %s: %v", cl, uri, errors.Wrap(common.ErrTransientIO, err.Error()))
		return
	}
	localPath, _ := res.(string)

	cl.services.World.Transact(func(tx *entity.Txn) error {
		c := tx.Cell(cl.CellID())
		if c == nil || c.GetComponent(CapContentLink) != entity.Component(cl) {
			return nil
		}
		cl.lock.Lock()
		if cl.uri != uri || cl.localPath == localPath {
			cl.lock.Unlock()
			return nil
		}
		cl.localPath = localPath
		cl.lock.Unlock()
		return c.NotifyChanged()
	})
}

// ComponentState implements entity.StatefulComponent
func (cl *ContentLink) ComponentState() map[string]interface{} {
	cl.lock.Lock()
	defer cl.lock.Unlock()
	if cl.uri == "" {
		return nil
	}
	state := map[string]interface{}{"uri": cl.uri}
	if cl.localPath != "" {
		state["localPath"] = cl.localPath
	}
	return state
}

// ApplyComponentState implements entity.StatefulComponent
func (cl *ContentLink) ApplyComponentState(state map[string]interface{}) {
	uri, _ := state["uri"].(string)
	localPath, _ := state["localPath"].(string)
	cl.lock.Lock()
	cl.uri = uri
	cl.localPath = localPath
	active := cl.active
	cl.lock.Unlock()
	if active {
		// only queues the fetch, so it is fine inside a transaction
		cl.Resolve()
	}
}

// ProjectClientFields adds the content uri
func (cl *ContentLink) ProjectClientFields(caps common.StringSet, fields map[string]interface{}) {
	if uri := cl.URI(); uri != "" {
		fields["content"] = uri
	}
}
