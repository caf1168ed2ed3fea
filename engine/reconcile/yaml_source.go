package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"gopkg.in/yaml.v3"
)

const yamlExt = ".yaml"

type yamlDocument struct {
	LastModified int64         `yaml:"lastModified"`
	Cells        []Description `yaml:"cells"`
}

// YAMLSource reads descriptions from a directory of <root>.yaml documents:
//
//	lastModified: 1700000000   # default of the cells
//	cells:
//	  - id: lobby
//	    type: Room
//	    properties: {size: [20, 5, 20]}
//	  - id: lamp
//	    parent: lobby
//	    type: Prop
//	    lastModified: 1700000100
type YAMLSource struct {
	name   string
	dir    string
	schema *jsonschema.Schema
}

// NewYAMLSource creates the source of a [source.<name>] config section
func NewYAMLSource(cfg *config.SourceConfig) (*YAMLSource, error) {
	src := &YAMLSource{name: cfg.Name, dir: cfg.Path}
	if cfg.Schema != "" {
		schema, err := jsonschema.Compile(cfg.Schema)
		if err != nil {
			return nil, errors.Wrapf(err, "compile schema %s", cfg.Schema)
		}
		src.schema = schema
	}
	return src, nil
}

func (src *YAMLSource) String() string {
	return fmt.Sprintf("YAMLSource<%s@%s>", src.name, src.dir)
}

// Name implements Source
func (src *YAMLSource) Name() string {
	return src.name
}

// ListRoots implements Source
func (src *YAMLSource) ListRoots(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(src.dir)
	if err != nil {
		return nil, errors.Wrapf(common.ErrTransientIO, "%s: %v", src, err)
	}
	var roots []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), yamlExt) {
			continue
		}
		roots = append(roots, strings.TrimSuffix(entry.Name(), yamlExt))
	}
	sort.Strings(roots)
	return roots, nil
}

// Fetch implements Source
func (src *YAMLSource) Fetch(ctx context.Context, root string) ([]Description, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(src.dir, root+yamlExt))
	if err != nil {
		return nil, errors.Wrapf(common.ErrTransientIO, "%s: %v", src, err)
	}
	if src.schema != nil {
		if err := src.validate(data); err != nil {
			return nil, errors.Wrapf(common.ErrProtocol, "%s: %s: %v", src, root, err)
		}
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(common.ErrProtocol, "%s: %s: %v", src, root, err)
	}
	for i := range doc.Cells {
		desc := &doc.Cells[i]
		if desc.ID == "" {
			return nil, errors.Wrapf(common.ErrProtocol, "%s: %s: cell #%d has no id", src, root, i)
		}
		if desc.LastModified == 0 {
			desc.LastModified = doc.LastModified
		}
	}
	return doc.Cells, nil
}

// validate checks the document against the schema, through its JSON form
func (src *YAMLSource) validate(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(js, &v); err != nil {
		return err
	}
	return src.schema.Validate(v)
}
