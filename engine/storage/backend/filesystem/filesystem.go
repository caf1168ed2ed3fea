package storagefilesystem

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/netutil"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
)

const (
	journalFile = "_journal"
	tempSuffix  = ".tmp"
)

// FileSystemBackend stores every record in its own file.
//
// A batch is first written to a journal file, then applied file by file, then
// the journal is removed. A batch interrupted by a crash is replayed from the
// journal when the directory is opened again.
type FileSystemBackend struct {
	lock      sync.Mutex
	directory string
}

func getFileName(kind string, id string) string {
	return kind + "$" + base64.URLEncoding.EncodeToString([]byte(id))
}

func (es *FileSystemBackend) getFilePath(kind string, id string) string {
	return filepath.Join(es.directory, getFileName(kind, id))
}

func (es *FileSystemBackend) Read(kind string, id string) ([]byte, error) {
	data, err := os.ReadFile(es.getFilePath(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (es *FileSystemBackend) Exists(kind string, id string) (bool, error) {
	_, err := os.Stat(es.getFilePath(kind, id))
	if err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (es *FileSystemBackend) List(kind string) ([]string, error) {
	prefix := kind + "$"
	files, err := filepath.Glob(filepath.Join(es.directory, prefix+"*"))
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(files))
	for _, fpath := range files {
		_, fn := filepath.Split(fpath)
		if strings.HasSuffix(fn, tempSuffix) {
			continue
		}
		idbytes, err := base64.URLEncoding.DecodeString(fn[len(prefix):])
		if err != nil {
			gwlog.Warnf("filesystem storage: ignore invalid file %s", fpath)
			continue
		}
		res = append(res, string(idbytes))
	}
	sort.Strings(res)
	return res, nil
}

func (es *FileSystemBackend) WriteBatch(ops []Op) error {
	es.lock.Lock()
	defer es.lock.Unlock()

	journal, err := netutil.MSG_PACKER.PackMsg(ops, nil)
	if err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(es.directory, journalFile), journal); err != nil {
		return errors.Wrap(err, "write journal")
	}
	if err := es.apply(ops); err != nil {
		return err
	}
	return os.Remove(filepath.Join(es.directory, journalFile))
}

func (es *FileSystemBackend) apply(ops []Op) error {
	for _, op := range ops {
		fpath := es.getFilePath(op.Kind, op.ID)
		if op.IsDelete() {
			if err := os.Remove(fpath); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if consts.DEBUG_SAVE_LOAD {
			gwlog.Debugf("Saving to file %s: %d bytes", fpath, len(op.Data))
		}
		if err := writeFileSync(fpath, op.Data); err != nil {
			return err
		}
	}
	return nil
}

// replayJournal finishes a batch interrupted by a crash
func (es *FileSystemBackend) replayJournal() error {
	jpath := filepath.Join(es.directory, journalFile)
	journal, err := os.ReadFile(jpath)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	var ops []Op
	if err := netutil.MSG_PACKER.UnpackMsg(journal, &ops); err != nil {
		// the journal itself was torn, so no op of the batch was applied
		gwlog.Warnf("filesystem storage: discard torn journal %s: %v", jpath, err)
		return os.Remove(jpath)
	}
	gwlog.Infof("filesystem storage: replaying %d ops from %s", len(ops), jpath)
	if err := es.apply(ops); err != nil {
		return err
	}
	return os.Remove(jpath)
}

func writeFileSync(fpath string, data []byte) error {
	tmp := fpath + tempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fpath)
}

func (es *FileSystemBackend) Close() {
	// need to do nothing
}

func (es *FileSystemBackend) IsEOF(err error) bool {
	return false
}

// OpenDirectory opens the directory as storage backend, creating it if needed
func OpenDirectory(directory string) (*FileSystemBackend, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	es := &FileSystemBackend{
		directory: directory,
	}
	if err := es.replayJournal(); err != nil {
		return nil, errors.Wrap(err, "replay journal")
	}
	return es, nil
}
