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

// Command flowmap is a command-line interface for the spatial analysis of
// mobile-network population flow data.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/flowmap/flowmaputil"
)

func main() {
	if err := flowmaputil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
