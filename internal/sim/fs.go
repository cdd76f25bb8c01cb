package sim

import (
	"path"
	"sort"
	"strconv"
	"strings"
)

const (
	fsBlockSize   = 4096
	fsTotalBlocks = 352
)

// memFS is the robot's flash filesystem. Paths are absolute and clean.
type memFS struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte), dirs: make(map[string]bool)}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (fs *memFS) mkdirAll(dir string) {
	dir = clean(dir)
	for dir != "/" {
		fs.dirs[dir] = true
		dir = path.Dir(dir)
	}
}

func (fs *memFS) writeFile(p string, data []byte) {
	p = clean(p)
	fs.mkdirAll(path.Dir(p))
	fs.files[p] = append([]byte(nil), data...)
}

func (fs *memFS) appendFile(p string, data []byte) {
	p = clean(p)
	fs.files[p] = append(fs.files[p], data...)
}

func (fs *memFS) readFile(p string) ([]byte, bool) {
	b, ok := fs.files[clean(p)]
	return b, ok
}

func (fs *memFS) exists(p string) bool {
	p = clean(p)
	_, f := fs.files[p]
	return f || fs.dirs[p] || p == "/"
}

func (fs *memFS) parentExists(p string) bool {
	dir := path.Dir(clean(p))
	return dir == "/" || fs.dirs[dir]
}

// mkdir creates one directory, failing like MicroPython when it exists.
func (fs *memFS) mkdir(p string) string {
	p = clean(p)
	if fs.exists(p) {
		return "[Errno 17] EEXIST"
	}
	if !fs.parentExists(p) {
		return "[Errno 2] ENOENT"
	}
	fs.dirs[p] = true
	return ""
}

func (fs *memFS) remove(p string) string {
	p = clean(p)
	if _, ok := fs.files[p]; ok {
		delete(fs.files, p)
		return ""
	}
	if !fs.dirs[p] {
		return "[Errno 2] ENOENT"
	}
	prefix := p + "/"
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
		}
	}
	for d := range fs.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			delete(fs.dirs, d)
		}
	}
	return ""
}

func (fs *memFS) rename(from, to string) string {
	from, to = clean(from), clean(to)
	if !fs.exists(from) {
		return "[Errno 2] ENOENT"
	}
	if b, ok := fs.files[from]; ok {
		delete(fs.files, from)
		fs.files[to] = b
		return ""
	}
	prefix := from + "/"
	for f, b := range fs.files {
		if strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
			fs.files[to+"/"+strings.TrimPrefix(f, prefix)] = b
		}
	}
	for d := range fs.dirs {
		if d == from || strings.HasPrefix(d, prefix) {
			delete(fs.dirs, d)
			fs.dirs[to+strings.TrimPrefix(d, from)] = true
		}
	}
	return ""
}

type dirEntry struct {
	name  string
	isDir bool
}

func (fs *memFS) list(dir string) []dirEntry {
	dir = clean(dir)
	seen := make(map[string]bool)
	var out []dirEntry
	add := func(p string, isDir bool) {
		if path.Dir(p) != dir || p == dir {
			return
		}
		name := path.Base(p)
		if !seen[name] {
			seen[name] = true
			out = append(out, dirEntry{name: name, isDir: isDir})
		}
	}
	for d := range fs.dirs {
		add(d, true)
	}
	for f := range fs.files {
		add(f, false)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// walk renders the tree the way the listing snippet prints it: one
// "parent,index,F|D,name;" entry per item, depth first.
func (fs *memFS) walk() string {
	var sb strings.Builder
	var rec func(dir, label string)
	rec = func(dir, label string) {
		for i, e := range fs.list(dir) {
			kind := "F"
			if e.isDir {
				kind = "D"
			}
			sb.WriteString(label + "," + strconv.Itoa(i) + "," + kind + "," + e.name + ";")
			if e.isDir {
				rec(path.Join(dir, e.name), e.name)
			}
		}
	}
	rec("/", "")
	return sb.String()
}

func (fs *memFS) usedBlocks() int {
	n := 0
	for _, b := range fs.files {
		n += (len(b) + fsBlockSize - 1) / fsBlockSize
	}
	return n + len(fs.dirs)
}
