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

package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// RunAll runs jobs, at most workers of them at a time. A failing job is
// logged with the path of its data and the stage it failed in and does
// not stop the others. The results of failed jobs are nil, and the
// returned error lists every failure.
func RunAll(jobs []*Job, workers int, log logrus.FieldLogger) ([]*Result, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]*Result, len(jobs))
	errs := make([]error, len(jobs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, j *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = Run(j, log)
			if errs[i] != nil {
				log.WithFields(logrus.Fields{
					"path":     j.Data,
					"boundary": j.Boundary,
					"stage":    Stage(errs[i]),
				}).Error(errs[i])
			}
		}(i, j)
	}
	wg.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s with %s: %v", jobs[i].Data, jobs[i].Boundary, err))
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("pipeline: %d of %d jobs failed:\n\t%s",
			len(failed), len(jobs), strings.Join(failed, "\n\t"))
	}
	return results, nil
}
