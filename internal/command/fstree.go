package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Storage is the robot's flash usage as reported by os.statvfs.
type Storage struct {
	BlockSize   int `json:"blockSize"`
	TotalBlocks int `json:"totalBlocks"`
	FreeBlocks  int `json:"freeBlocks"`
}

func (s Storage) TotalBytes() int { return s.BlockSize * s.TotalBlocks }
func (s Storage) FreeBytes() int  { return s.BlockSize * s.FreeBlocks }
func (s Storage) UsedBytes() int  { return s.TotalBytes() - s.FreeBytes() }

// FSInfo is a listing of the robot's filesystem.
//
// Tree keeps the layout the editor expects: each directory maps item
// indexes to {"F": name} or {"D": name}, and a subdirectory's own map sits
// next to them under the subdirectory's name. The root is keyed "".
type FSInfo struct {
	Tree    map[string]any `json:"tree"`
	Storage Storage        `json:"storage"`
}

// TreeJSON renders the tree alone.
func (f *FSInfo) TreeJSON() string {
	b, err := json.Marshal(f.Tree)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseStorage(line string) (Storage, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Storage{}, fmt.Errorf("command: bad statvfs line %q", line)
	}
	var vals [3]int
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Storage{}, fmt.Errorf("command: bad statvfs line %q: %w", line, err)
		}
		vals[i] = v
	}
	return Storage{BlockSize: vals[0], TotalBlocks: vals[1], FreeBlocks: vals[2]}, nil
}

// parseTree builds the nested tree from the walk snippet's
// "parent,index,F|D,name;" entries, which arrive depth first.
func parseTree(listing string) map[string]any {
	var entries []string
	for _, e := range strings.Split(listing, ";") {
		if e != "" {
			entries = append(entries, e)
		}
	}
	p := &treeParser{entries: entries}
	return map[string]any{"": p.dir("")}
}

type treeParser struct {
	entries []string
	pos     int
}

func (p *treeParser) dir(name string) map[string]any {
	contents := make(map[string]any)
	for p.pos < len(p.entries) {
		parts := strings.SplitN(p.entries[p.pos], ",", 4)
		if len(parts) != 4 || parts[0] != name {
			break
		}
		p.pos++
		idx, kind, item := parts[1], parts[2], parts[3]
		if kind == "F" {
			contents[idx] = map[string]string{"F": item}
			continue
		}
		contents[idx] = map[string]string{"D": item}
		contents[item] = p.dir(item)
	}
	return contents
}
