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

// Package flowmap aggregates and classifies mobile-network population flow
// records against analyst boundary layers. The subpackages hold the
// individual pipeline stages; this package holds what they share.
package flowmap

// Version gives the version number.
const Version = "1.2.0"

// Stage names are used to tag errors and log entries with the part of
// the pipeline they came from.
const (
	StageRead       = "read"
	StageDetect     = "detect"
	StageMerge      = "merge"
	StageProject    = "project"
	StageMatch      = "match"
	StageTessellate = "tessellate"
	StageAggregate  = "aggregate"
	StageClassify   = "classify"
	StageRender     = "render"
	StageWrite      = "write"
)
