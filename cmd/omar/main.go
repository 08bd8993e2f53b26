// Command omar packs directory trees into initrd images and inspects
// existing ones.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/perchos/perch/internal/omar"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  omar pack <dir> <image>     pack a directory tree into an image
  omar list <image>           list image records
  omar extract <image> <dir>  unpack an image`)
	os.Exit(2)
}

func pack(dir, out string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}

	bar := progressbar.Default(int64(len(paths)), "packing")
	w := omar.NewWriter()
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.AddDir(rel, uint32(info.Mode().Perm())); err != nil {
				return err
			}
		} else {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := w.AddFile(rel, uint32(info.Mode().Perm()), data); err != nil {
				return err
			}
		}
		bar.Add(1)
	}
	return os.WriteFile(out, w.Finish(), 0o644)
}

func list(image string) error {
	img, err := os.ReadFile(image)
	if err != nil {
		return err
	}
	return omar.Walk(img, func(n omar.Node) bool {
		kind := "f"
		if n.Type == omar.TypeDir {
			kind = "d"
		}
		fmt.Printf("%s %6d %04o %s\n", kind, len(n.Data), n.Mode&0o7777, n.Path)
		return true
	})
}

func extract(image, dir string) error {
	img, err := os.ReadFile(image)
	if err != nil {
		return err
	}
	var werr error
	err = omar.Walk(img, func(n omar.Node) bool {
		dest := filepath.Join(dir, filepath.FromSlash(n.Path))
		if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
			werr = fmt.Errorf("omar: refusing to write outside %s: %s", dir, n.Path)
			return false
		}
		if n.Type == omar.TypeDir {
			werr = os.MkdirAll(dest, os.FileMode(n.Mode&0o777))
		} else {
			if werr = os.MkdirAll(filepath.Dir(dest), 0o755); werr == nil {
				werr = os.WriteFile(dest, n.Data, os.FileMode(n.Mode&0o777))
			}
		}
		return werr == nil
	})
	if err != nil {
		return err
	}
	return werr
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	var err error
	switch args[0] {
	case "pack":
		if len(args) != 3 {
			usage()
		}
		err = pack(args[1], args[2])
	case "list":
		err = list(args[1])
	case "extract":
		if len(args) != 3 {
			usage()
		}
		err = extract(args[1], args[2])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "omar:", err)
		os.Exit(1)
	}
}
