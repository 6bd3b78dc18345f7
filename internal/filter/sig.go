package filter

import "os"

// fileSig is the (mtime_ns, size) pair used to detect an on-disk change
// without re-parsing the file. Shared by all three filters — each filter
// stats its own backing file on every access, per spec.md §4.2-4.4/§7.
type fileSig struct {
	mtimeNs int64
	size    int64
}

func statSig(path string) (fileSig, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileSig{}, false
	}
	return fileSig{mtimeNs: fi.ModTime().UnixNano(), size: fi.Size()}, true
}
