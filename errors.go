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

package flowmap

import (
	"fmt"
	"strings"
)

// SchemaError reports that a table lacks the columns a stage needs.
type SchemaError struct {
	Path    string
	Stage   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("flowmap: %s: %s: missing expected column(s) %s",
		e.Stage, pathOrInput(e.Path), strings.Join(e.Missing, ", "))
}

// CRSMismatchError reports that two layers are in different coordinate
// reference systems and no supported reprojection between them is known.
type CRSMismatchError struct {
	Path       string
	Stage      string
	Have, Want string
}

func (e *CRSMismatchError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("flowmap: %s: %s: unsupported coordinate reference system %q",
			e.Stage, pathOrInput(e.Path), e.Have)
	}
	return fmt.Sprintf("flowmap: %s: %s: coordinate reference system %q does not match %q",
		e.Stage, pathOrInput(e.Path), e.Have, e.Want)
}

// InvalidAreaError reports an area of interest or cell size that cannot
// be tessellated.
type InvalidAreaError struct {
	Stage  string
	Reason string
}

func (e *InvalidAreaError) Error() string {
	return fmt.Sprintf("flowmap: %s: invalid area: %s", e.Stage, e.Reason)
}

// InvalidBinsError reports classification parameters that cannot produce
// a valid set of breakpoints.
type InvalidBinsError struct {
	Scheme string
	Reason string
}

func (e *InvalidBinsError) Error() string {
	return fmt.Sprintf("flowmap: classify: invalid bins for scheme %q: %s", e.Scheme, e.Reason)
}

// EmptyMatchError reports that no records survived a spatial match.
// It is not fatal: later stages run on the empty result.
type EmptyMatchError struct {
	Path  string
	Stage string
}

func (e *EmptyMatchError) Error() string {
	return fmt.Sprintf("flowmap: %s: %s: no records matched", e.Stage, pathOrInput(e.Path))
}

func pathOrInput(p string) string {
	if p == "" {
		return "<input>"
	}
	return p
}
