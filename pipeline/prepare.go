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
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/aggregate"
	"github.com/spatialmodel/flowmap/merge"
	"github.com/spatialmodel/flowmap/schema"
	"github.com/spatialmodel/flowmap/table"
)

// StageError attaches the stage it happened in to an error that does not
// record one itself.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stage returns the pipeline stage that err happened in, or "run" if it
// is not known.
func Stage(err error) string {
	var (
		se  *flowmap.SchemaError
		ce  *flowmap.CRSMismatchError
		ae  *flowmap.InvalidAreaError
		be  *flowmap.InvalidBinsError
		me  *flowmap.EmptyMatchError
		ste *StageError
	)
	switch {
	case errors.As(err, &se):
		return se.Stage
	case errors.As(err, &ce):
		return ce.Stage
	case errors.As(err, &ae):
		return ae.Stage
	case errors.As(err, &be):
		return flowmap.StageClassify
	case errors.As(err, &me):
		return me.Stage
	case errors.As(err, &ste):
		return ste.Stage
	}
	return "run"
}

func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// input is a data table after reading, schema detection and merging.
type input struct {
	t        *table.Table
	schema   schema.Schema
	manifest schema.Manifest
}

// prepare reads the data table of the job, detects its schema and merges
// the supplementary tables into it.
func (j *Job) prepare(log logrus.FieldLogger) (*input, error) {
	log = log.WithField("stage", flowmap.StageRead)
	t, err := table.ReadFile(j.Data, j.Encoding)
	if err != nil {
		return nil, stageError(flowmap.StageRead, err)
	}
	log.Infof("read %d records", t.Len())

	s, err := schema.Detect(t, j.Kind)
	if err != nil {
		return nil, stageError(flowmap.StageDetect, err)
	}
	log.WithField("stage", flowmap.StageDetect).Infof("%s data, %s coordinates, %s",
		s.Kind.Title(), s.Layout, s.Granularity)

	in := &input{t: t, schema: s, manifest: schema.ManifestFor(j.Kind)}
	log = log.WithField("stage", flowmap.StageMerge)
	switch j.Kind {
	case schema.PopulationProfile, schema.ResidentProfile, schema.CommuteMode, schema.CommuteProfile:
		err = j.mergeCounts(in, log)
	case schema.ResidentCount:
		err = j.mergeResidents(in, log)
	case schema.CommuteTime:
		err = commuteMinutes(in)
	}
	if err != nil {
		return nil, stageError(flowmap.StageMerge, err)
	}
	if err := j.derive(in); err != nil {
		return nil, stageError(flowmap.StageMerge, err)
	}
	return in, nil
}

// readSupplements reads the supplementary tables of the job.
func (j *Job) readSupplements() ([]*table.Table, error) {
	o := make([]*table.Table, len(j.Supplements))
	for i, p := range j.Supplements {
		t, err := table.ReadFile(p, j.Encoding)
		if err != nil {
			return nil, err
		}
		o[i] = t
	}
	return o, nil
}

// mergeCounts merges the count table into a table of proportions and
// scales the proportions to counts. The dimensions the manifest excludes
// are dropped first.
func (j *Job) mergeCounts(in *input, log logrus.FieldLogger) error {
	m := in.manifest
	excluded := m.ExcludedColumns(in.t)
	supps, err := j.readSupplements()
	if err != nil {
		return err
	}
	if len(supps) == 0 {
		t := in.t.Drop(excluded...)
		if !t.Has(m.Count) {
			log.Warnf("no count table given; %s shares are kept as proportions", j.Kind.Title())
			in.t = t
			return nil
		}
		in.t, err = merge.ScaleShares(t, m.ShareColumns(t), m.Count)
		return err
	}
	if len(supps) > 1 {
		log.Warnf("only the first of %d supplementary tables is merged into %s data", len(supps), j.Kind.Title())
	}
	counts := supps[0]
	if !counts.Has(m.Count) {
		return &flowmap.SchemaError{Path: counts.Path, Stage: flowmap.StageMerge, Missing: []string{m.Count}}
	}
	keys, err := joinKeys(m, in.t, counts)
	if err != nil {
		return err
	}
	coalesce := sharedRaw(in.t, counts)
	primary := merge.Source{Name: "data", Table: in.t, Drop: append(excluded, m.Count)}
	supp := merge.Source{
		Name:     "count",
		Table:    counts,
		Coalesce: coalesce,
		Drop:     collisions(in.t, counts, keys, append(coalesce, m.Count)),
	}
	joined, err := merge.OuterJoin(primary, supp, keys)
	if err != nil {
		return err
	}
	log.Infof("merged %d count records from %s into %d rows", counts.Len(), counts.Path, joined.Len())
	in.t, err = merge.ScaleShares(joined.Table, m.ShareColumns(joined.Table), m.Count)
	return err
}

// mergeResidents merges resident count tables of different population
// definitions, renaming each count column after its definition, and
// estimates the population that lives and works in the same place.
func (j *Job) mergeResidents(in *input, log logrus.FieldLogger) error {
	supps, err := j.readSupplements()
	if err != nil {
		return err
	}
	keys := sharedKeys(in.manifest, in.t)
	if len(supps) > 0 {
		if keys, err = joinKeys(in.manifest, append([]*table.Table{in.t}, supps...)...); err != nil {
			return err
		}
	}
	pop := in.schema.Population
	if pop == schema.PopulationNone && len(supps) > 0 {
		return fmt.Errorf("%s has no %s column, so it cannot be merged with other populations",
			in.t.Path, schema.PopType)
	}
	joined, err := merge.Start(residentSource(in.t, pop, nil), keys)
	if err != nil {
		return err
	}
	seen := map[schema.PopulationKind]string{pop: in.t.Path}
	for _, st := range supps {
		ss, err := schema.Detect(st, schema.ResidentCount)
		if err != nil {
			return err
		}
		if ss.Population == schema.PopulationNone {
			return fmt.Errorf("%s has no %s column", st.Path, schema.PopType)
		}
		if prev, ok := seen[ss.Population]; ok {
			return fmt.Errorf("%s and %s both hold %s population", prev, st.Path, ss.Population)
		}
		seen[ss.Population] = st.Path
		coalesce := sharedRaw(in.t, st)
		src := residentSource(st, ss.Population, coalesce)
		src.Drop = append(src.Drop, collisions(joined.Table, st, keys,
			append(coalesce, schema.Count, schema.PopType))...)
		if err := joined.Join(src); err != nil {
			return err
		}
		log.Infof("merged %s population from %s", ss.Population, st.Path)
	}
	if j.LiveAndWork {
		f, ok := merge.LiveAndWork.Usable(joined.Table)
		if !ok {
			log.Warnf("%s needs %s and %s or %s and %s; it is not computed",
				schema.LiveAndWork, schema.HomeCount, schema.LiveWithoutWork,
				schema.WorkCount, schema.WorkWithoutLive)
		} else if err := f.Apply(joined); err != nil {
			return err
		}
	}
	in.t = joined.Table
	return nil
}

func residentSource(t *table.Table, pop schema.PopulationKind, coalesce []string) merge.Source {
	s := merge.Source{Name: pop.String(), Table: t, Drop: []string{schema.PopType}, Coalesce: coalesce}
	if c := pop.CountColumn(); c != schema.Count {
		s.Rename = map[string]string{schema.Count: c}
	}
	return s
}

// commuteMinutes adds the mean commute time in minutes.
func commuteMinutes(in *input) error {
	t := in.t.Clone()
	if err := t.AddColumn(schema.CommuteMinutes, ""); err != nil {
		return err
	}
	for i := 0; i < t.Len(); i++ {
		s, err := t.Float(i, schema.CommuteSeconds)
		if err != nil {
			return err
		}
		t.SetFloat(i, schema.CommuteMinutes, s/60)
	}
	in.t = t
	return nil
}

// derive evaluates the job's derived column expressions in name order.
func (j *Job) derive(in *input) error {
	if len(j.Derive) == 0 {
		return nil
	}
	joined, err := merge.Start(merge.Source{Name: "data", Table: in.t}, nil)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(j.Derive))
	for n := range j.Derive {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		f := merge.Formula{Output: n, Derivations: []string{j.Derive[n]}}
		if err := f.Apply(joined); err != nil {
			return err
		}
	}
	in.t = joined.Table
	return nil
}

// collapse sums hourly records into daily ones. Every column that is
// neither reduced nor the hour identifies a record.
func collapse(t *table.Table, m schema.Manifest) (*table.Table, error) {
	r := aggregate.Reductions(t, m)
	var keys []string
	for _, c := range t.Columns() {
		if _, ok := r[c]; !ok && c != schema.Hour {
			keys = append(keys, c)
		}
	}
	return aggregate.CollapseHours(t, keys, r)
}

// sharedKeys returns the manifest keys that every table has.
func sharedKeys(m schema.Manifest, ts ...*table.Table) []string {
	var o []string
	for _, k := range m.Keys {
		all := true
		for _, t := range ts {
			all = all && t.Has(k)
		}
		if all {
			o = append(o, k)
		}
	}
	return o
}

// joinKeys returns the manifest keys that all tables share. Joining on no
// key at all would pair every row with every other, so a table that
// shares none of them is a schema error.
func joinKeys(m schema.Manifest, ts ...*table.Table) ([]string, error) {
	keys := sharedKeys(m, ts...)
	if len(keys) > 0 {
		return keys, nil
	}
	path := ts[len(ts)-1].Path
	for _, t := range ts[1:] {
		if len(sharedKeys(m, ts[0], t)) == 0 {
			path = t.Path
			break
		}
	}
	return nil, &flowmap.SchemaError{Path: path, Stage: flowmap.StageMerge, Missing: m.Keys}
}

// sharedRaw returns the raw coordinate columns that both tables have.
func sharedRaw(a, b *table.Table) []string {
	var o []string
	for _, l := range []schema.Layout{schema.CellCenter, schema.CellCorner, schema.OriginDestination, schema.LiveWork} {
		for _, xy := range l.RawColumns() {
			for _, c := range xy {
				if a.Has(c) && b.Has(c) {
					o = append(o, c)
				}
			}
		}
	}
	return o
}

// collisions returns the columns of b, other than keys and keep, that a
// already has.
func collisions(a, b *table.Table, keys, keep []string) []string {
	skip := make(map[string]bool)
	for _, c := range append(append([]string{}, keys...), keep...) {
		skip[c] = true
	}
	var o []string
	for _, c := range b.Columns() {
		if !skip[c] && a.Has(c) {
			o = append(o, c)
		}
	}
	return o
}
