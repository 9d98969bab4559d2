package catchup

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/pkg/fileutil"
)

const stagePrefix = "tmp-copy-"

// stageStore writes r to a new file in dir and syncs it. The file is
// removed on failure.
func stageStore(dir string, r io.Reader) (path string, n int64, sum uint32, err error) {
	f, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return "", 0, 0, err
	}

	crc := crc32.New(crcTable)
	n, err = io.Copy(io.MultiWriter(f, crc), r)
	if err == nil {
		err = fileutil.Fsync(f)
	}
	f.Close()
	if err != nil {
		os.Remove(f.Name())
		return "", n, 0, err
	}
	return f.Name(), n, crc.Sum32(), nil
}

// validateStore checks a staged store against the checksum and the
// identity the peer sent with it.
func validateStore(path string, sum uint32, checksum string, want backend.Info) error {
	if checksum == "" {
		return fmt.Errorf("%w: no checksum sent", ErrChecksumMismatch)
	}
	if got := fmt.Sprintf("%08x", sum); got != checksum {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, checksum)
	}

	info, err := backend.Verify(path)
	if err != nil {
		return err
	}
	if info.StoreID != want.StoreID {
		return fmt.Errorf("%w: copied %s, peer sent %s", ErrStoreIDMismatch, info.StoreID, want.StoreID)
	}
	if info.AppliedIndex != want.AppliedIndex || info.AppliedTerm != want.AppliedTerm {
		return fmt.Errorf("%w: copy is at (%d, %d), peer sent (%d, %d)", ErrStoreIDMismatch,
			info.AppliedIndex, info.AppliedTerm, want.AppliedIndex, want.AppliedTerm)
	}
	return nil
}

// installStore moves a staged store over the live store file.
func installStore(staged, path string) error {
	if err := os.Rename(staged, path); err != nil {
		return err
	}
	return fileutil.FsyncDir(filepath.Dir(path))
}

func removeStaged(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warningf("failed to remove staged store %q (%v)", path, err)
	}
}

// CleanStaged removes staged stores left in dir by an interrupted copy.
func CleanStaged(dir string) error {
	return fileutil.RemoveMatchFile(dir, func(name string) bool {
		return strings.HasPrefix(name, stagePrefix)
	})
}
