package ramstore

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/linkea"
	"github.com/NVIDIA/lfsck/objstore"
)

// Image describes a namespace to build, plus the damage to inflict on it.
//
//	targets: 2
//	entries:
//	  - path: a
//	    type: dir
//	  - path: a/f
//	    target: 1
//	    links: [b/g]
//	    linkea: corrupt
type Image struct {
	Targets int          `yaml:"targets"`
	Entries []ImageEntry `yaml:"entries"`
}

// ImageEntry.LinkEA is one of "" (correct), "missing", "corrupt", "stale"
// (an extra entry naming a parent that does not exist) or "none" for an
// object with no names at all. Dangling entries name no object.
type ImageEntry struct {
	Path     string   `yaml:"path"`
	Type     string   `yaml:"type"`
	Target   uint32   `yaml:"target"`
	Links    []string `yaml:"links"`
	LinkEA   string   `yaml:"linkea"`
	Dangling bool     `yaml:"dangling"`
	Orphan   bool     `yaml:"orphan"`
}

// LoadImageFile reads a YAML image from file.
func LoadImageFile(file string) (ns *Namespace, err error) {
	buf, err := os.ReadFile(file)
	if nil != err {
		return
	}
	ns, err = LoadImage(buf)
	return
}

// LoadImage builds a namespace from a YAML image. Parent directories missing
// from the image are created on target 0.
func LoadImage(buf []byte) (ns *Namespace, err error) {
	var image Image

	err = yaml.Unmarshal(buf, &image)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("ramstore.LoadImage() yaml.Unmarshal failed: %v", err), blunder.InvalidArgError)
		return
	}

	ns = NewNamespace()
	if image.Targets < 1 {
		image.Targets = 1
	}
	for i := 0; i < image.Targets; i++ {
		ns.Target(uint32(i))
	}

	b := &imageBuilder{ns: ns, paths: map[string]fid.FID{"": fid.Root}}
	for _, entry := range image.Entries {
		err = b.add(entry)
		if nil != err {
			ns = nil
			return
		}
	}

	return
}

type imageBuilder struct {
	ns    *Namespace
	paths map[string]fid.FID
}

func cleanPath(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

func (b *imageBuilder) dir(p string) (dirFID fid.FID, err error) {
	dirFID, ok := b.paths[p]
	if ok {
		return
	}
	err = b.add(ImageEntry{Path: p, Type: "dir"})
	if nil == err {
		dirFID = b.paths[p]
	}
	return
}

func (b *imageBuilder) add(entry ImageEntry) (err error) {
	var (
		obj  fid.FID
		typ  objstore.ObjType
		dirs []fid.FID
	)

	entry.Path = cleanPath(entry.Path)
	if "" == entry.Path {
		err = blunder.NewError(blunder.InvalidArgError, "image entry with empty path")
		return
	}
	if _, exists := b.paths[entry.Path]; exists {
		err = blunder.NewError(blunder.FileExistsError, "image path %s given twice", entry.Path)
		return
	}

	switch entry.Type {
	case "", "file":
		typ = objstore.TypeRegular
	case "dir":
		typ = objstore.TypeDir
	case "symlink":
		typ = objstore.TypeSymlink
	default:
		err = blunder.NewError(blunder.InvalidArgError, "image path %s has unknown type %s", entry.Path, entry.Type)
		return
	}

	names := append([]string{entry.Path}, entry.Links...)
	for i := range names {
		names[i] = cleanPath(names[i])
		var dirFID fid.FID
		dirFID, err = b.dir(path.Dir("/" + names[i])[1:])
		if nil != err {
			return
		}
		dirs = append(dirs, dirFID)
	}

	target := b.ns.Target(entry.Target)
	obj, err = target.AllocFID()
	if nil != err {
		return
	}
	b.paths[entry.Path] = obj

	txn := b.ns.Target(0).Begin()
	if !entry.Dangling {
		txn.Create(obj, typ)
		for range names[1:] {
			txn.RefAdd(obj)
		}
	}
	if !entry.Orphan {
		for i, name := range names {
			txn.Insert(dirs[i], path.Base(name), obj, typ)
		}
	}
	if !entry.Dangling {
		switch entry.LinkEA {
		case "":
			txn.SetXattr(obj, linkea.XattrName, imageLinkEA(names, dirs, false))
		case "stale":
			txn.SetXattr(obj, linkea.XattrName, imageLinkEA(names, dirs, true))
		case "corrupt":
			txn.SetXattr(obj, linkea.XattrName, []byte("\xde\xad\xbe\xef corrupt linkEA"))
		case "missing", "none":
		default:
			err = blunder.NewError(blunder.InvalidArgError, "image path %s has unknown linkea %s", entry.Path, entry.LinkEA)
			txn.Abort()
			return
		}
	}

	err = txn.Commit()
	return
}

func imageLinkEA(names []string, dirs []fid.FID, stale bool) []byte {
	l := linkea.New()
	for i, name := range names {
		_ = l.Add(path.Base(name), dirs[i])
	}
	if stale {
		_ = l.Add(path.Base(names[0]), fid.FID{Seq: fid.SeqStart + SeqWidth - 1, Oid: 0xdead})
	}
	return l.Encode()
}

// Paths returns every reachable path and the FID it names, depth first in name order.
func (ns *Namespace) Paths() (paths []string, fids []fid.FID) {
	snap := ns.Snapshot()
	visited := make(map[fid.FID]bool)

	var walk func(dir fid.FID, prefix string)
	walk = func(dir fid.FID, prefix string) {
		obj, ok := snap[dir]
		if !ok || visited[dir] {
			return
		}
		visited[dir] = true
		names := make([]string, 0, len(obj.Entries))
		for name := range obj.Entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := obj.Entries[name]
			paths = append(paths, prefix+name)
			fids = append(fids, child)
			if childObj, isObj := snap[child]; isObj && (objstore.TypeDir == childObj.Type) {
				walk(child, prefix+name+"/")
			}
		}
	}
	walk(fid.Root, "")

	return
}
