package main

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/comp"
)

// newFileFetcher resolves file:// uris and plain paths, relative paths being
// taken from dir
func newFileFetcher(dir string) comp.AssetFetcher {
	return comp.AssetFetcherFunc(func(uri string) (string, error) {
		u, err := url.Parse(uri)
		if err != nil {
			return "", errors.Wrapf(common.ErrProtocol, "bad content uri %q: %v", uri, err)
		}
		var p string
		switch u.Scheme {
		case "":
			p = uri
		case "file":
			p = u.Path
			if u.Host != "" {
				p = u.Host + p
			}
		default:
			return "", errors.Wrapf(common.ErrProtocol, "unsupported content uri %q", uri)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return "", errors.Wrapf(common.ErrTransientIO, "content %q: %v", uri, err)
		}
		return p, nil
	})
}
