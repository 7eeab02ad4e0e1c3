/*
Copyright © 2022 the flowmap authors.
This file is part of flowmap.

flowmap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

flowmap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with flowmap.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package atomicfile writes output files so that a failed write never
// leaves a partial file behind.
package atomicfile

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
)

// Write creates path by calling write with a buffered writer on a
// temporary file in the same directory. The temporary file is renamed to
// path only if write and all flushing and closing succeed; otherwise it is
// removed and path is left untouched.
func Write(path string, write func(w io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := ioutil.TempFile(dir, "."+base+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	bw := bufio.NewWriter(f)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("moving output into place: %v", err)
	}
	return nil
}

// WriteFiles creates a group of files that share the base name of path,
// such as a shapefile and its sidecars. write is called with the path of
// the main file inside a temporary directory next to path. Only if it
// succeeds are the files it created with one of exts moved into place;
// files of the group from an earlier write that write did not create
// again are removed.
func WriteFiles(path string, exts []string, write func(tmpPath string) error) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	tmp, err := ioutil.TempDir(dir, "."+stem+".tmp*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err = write(filepath.Join(tmp, name)); err != nil {
		return err
	}
	var made []string
	for _, ext := range exts {
		src := filepath.Join(tmp, stem+ext)
		if _, err := os.Stat(src); err == nil {
			made = append(made, ext)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	if len(made) == 0 {
		return fmt.Errorf("no output was written for %s", path)
	}
	for _, ext := range exts {
		dst := filepath.Join(dir, stem+ext)
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("replacing %s: %v", dst, err)
		}
	}
	for _, ext := range made {
		if err := os.Rename(filepath.Join(tmp, stem+ext), filepath.Join(dir, stem+ext)); err != nil {
			return fmt.Errorf("moving output into place: %v", err)
		}
	}
	return nil
}
