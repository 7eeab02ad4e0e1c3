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

// Package flowmaputil is the command-line interface of flowmap: the
// configuration options, their parsing and validation, and the commands
// that run the pipeline.
package flowmaputil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"github.com/spatialmodel/flowmap"
	"github.com/spatialmodel/flowmap/boundary"
	"github.com/spatialmodel/flowmap/classify"
	"github.com/spatialmodel/flowmap/grid"
	"github.com/spatialmodel/flowmap/match"
	"github.com/spatialmodel/flowmap/pipeline"
	"github.com/spatialmodel/flowmap/project"
	"github.com/spatialmodel/flowmap/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to flowmap.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location. TOML, YAML
              and JSON files are accepted.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "log-level",
			usage: `
              log-level is the least severe level of log messages that are
              printed: debug, info, warn or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "out",
			usage: `
              out is the directory that outputs and the log file
              flowmap.log are written to. It is created if necessary.`,
			shorthand:  "o",
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "encoding",
			usage: `
              encoding is the text encoding of the input tables, for
              example utf-8 or gbk.`,
			defaultVal: "utf-8",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "kind",
			usage: `
              kind is the dataset kind of the input table: num_pop, por_pop,
              num_stay, por_stay, od, num_commute, time_commute,
              mode_commute or por_commute.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "data",
			usage: `
              data is the path of the input table. Tab-delimited (.txt,
              .tsv) and comma-delimited (.csv) files are accepted.`,
			shorthand:  "d",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), classifyCmd.Flags()},
		},
		{
			name: "boundary",
			usage: `
              boundary is the boundary shapefile that records are matched
              against. If several are given, each is analyzed separately.`,
			shorthand:  "b",
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags(), exportIDsCmd.Flags()},
		},
		{
			name: "boundary2",
			usage: `
              boundary2 is the second boundary shapefile of paired
              (origin-destination and commute) records, which filters the
              end of each record that boundary does not.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "supplement",
			usage: `
              supplement lists supplementary tables to merge: the count
              table of a profile, or the tables of the other populations of
              a resident count.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "datum",
			usage: `
              datum is the geodetic datum of the raw coordinates: gcj02,
              bd09 or wgs84.`,
			defaultVal: "gcj02",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "collapse-hours",
			usage: `
              collapse-hours sums hourly records to daily totals.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "live-and-work",
			usage: `
              live-and-work computes the resident population that lives and
              works in the same cell.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ratio",
			usage: `
              ratio computes the job-housing ratio inside the boundary.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "derive",
			usage: `
              derive adds computed columns. It is a map from column names to
              expressions over other columns, which are written in square
              brackets; for example {"通勤时间(h)": "[平均通勤时间(min)] / 60"}.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "mode",
			usage: `
              mode selects which end of paired records boundary filters:
              forward (origins), reverse (destinations) or both.`,
			defaultVal: "forward",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "plot",
			usage: `
              plot is the kind of image to draw: density, flowlines or none.`,
			defaultVal: "density",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "replot",
			usage: `
              replot draws the image again from the exports of an earlier
              run in out, without reading the data.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "cellsize",
			usage: `
              cellsize is the edge length of the tessellation cells in
              meters: 100, 200, 500 or 1000.`,
			defaultVal: 100.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags()},
		},
		{
			name: "tessellation",
			usage: `
              tessellation is the kind of cells the boundary area is divided
              into: fishnet or voronoi. Voronoi cells require a cellsize of 100.`,
			defaultVal: "fishnet",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), gridCmd.Flags()},
		},
		{
			name: "scheme",
			usage: `
              scheme is the classification scheme of the legend: equal_interval,
              quantiles, natural_breaks, fisher_jenks, jenks_caspall,
              head_tail_breaks or user_defined.`,
			defaultVal: "natural_breaks",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), classifyCmd.Flags()},
		},
		{
			name: "k",
			usage: `
              k is the number of classes.`,
			shorthand:  "k",
			defaultVal: 5,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), classifyCmd.Flags()},
		},
		{
			name: "bins",
			usage: `
              bins are the class upper bounds of the user_defined scheme.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), classifyCmd.Flags()},
		},
		{
			name: "vmin",
			usage: `
              vmin is the display minimum: smaller values are not classified
              or drawn.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), classifyCmd.Flags()},
		},
		{
			name: "alpha",
			usage: `
              alpha is the opacity of the class colors, between 0 and 1.`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "cmap",
			usage: `
              cmap is the ColorBrewer palette of the classes.`,
			defaultVal: "OrRd",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "title",
			usage: `
              title is the title of the image.`,
			defaultVal: "无标题",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "basemap",
			usage: `
              basemap names the background map: Mapbox or 天地图. It is
              recorded in the legend.`,
			defaultVal: "Mapbox",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "variable",
			usage: `
              variable is the column to classify and draw. The default
              depends on the dataset kind.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), classifyCmd.Flags()},
		},
		{
			name: "xlsx",
			usage: `
              xlsx also writes the matched records as a spreadsheet.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "gridshp",
			usage: `
              gridshp also writes the tessellation cells as a shapefile.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "animate",
			usage: `
              animate draws one frame per hour of hourly data and writes
              them as an animated GIF.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "workers",
			usage: `
              workers is the number of boundaries, batch jobs or animation
              frames processed at once.`,
			shorthand:  "w",
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "open",
			usage: `
              open opens the images that were drawn.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), batchCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("FLOWMAP")
	Cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := strings.TrimSpace(b.String())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(batchCmd)
	Root.AddCommand(gridCmd)
	Root.AddCommand(classifyCmd)
	Root.AddCommand(exportIDsCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(os.ExpandEnv(cfgpath))
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("flowmap: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// newLogger returns a logger that writes to standard output and to
// flowmap.log in the output directory, and a function that closes the
// log file.
func newLogger(out, level string) (*logrus.Logger, func(), error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("flowmap: parsing configuration: log-level: %v", err)
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return nil, nil, fmt.Errorf("flowmap: creating output directory: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(out, "flowmap.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("flowmap: problem creating log file: %v", err)
	}
	log := logrus.New()
	log.Out = io.MultiWriter(os.Stdout, f)
	log.Level = lvl
	return log, func() { f.Close() }, nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "flowmap",
	Short: "Spatial analysis of mobile-network population flow data.",
	Long: `flowmap matches population flow records (counts, profiles, origin-destination
pairs and commutes) against analyst boundary layers, aggregates them on a
fishnet or Voronoi tessellation and draws classified density and flow maps.
Use the subcommands specified below to access the functionality.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'FLOWMAP_var' where 'var' is the
name of the variable to be set, with dashes replaced by underscores.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
	SilenceUsage:      true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of flowmap.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("flowmap v%s\n", flowmap.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an analysis.",
	Long: `run reads the data table, merges the supplementary tables into it,
matches its records against each boundary layer and writes, to the output
directory, the matched records, their aggregate per tessellation cell and
the classified image.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := Jobs(Cfg)
		if err != nil {
			return err
		}
		return runJobs(jobs, Cfg)
	},
	DisableAutoGenTag: true,
}

var batchCmd = &cobra.Command{
	Use:   "batch manifest.toml",
	Short: "Run several analyses.",
	Long: `batch runs the analyses listed in a TOML manifest. Each [[job]] table of the
manifest holds the options of one analysis, with the same names as the
options of the run command; options it leaves out take their values from the
configuration. For example:

	[[job]]
	kind = "num_pop"
	data = "客流数量.txt"
	boundary = ["范围.shp"]
	collapse-hours = true

	[[job]]
	kind = "od"
	data = "OD.txt"
	boundary = ["起点.shp"]
	boundary2 = "终点.shp"
	mode = "both"
	plot = "flowlines"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := BatchJobs(os.ExpandEnv(args[0]), Cfg)
		if err != nil {
			return err
		}
		return runJobs(jobs, Cfg)
	},
	DisableAutoGenTag: true,
}

// runJobs runs jobs and opens the images if requested.
func runJobs(jobs []*pipeline.Job, cfg *viper.Viper) error {
	log, closeLog, err := newLogger(os.ExpandEnv(cfg.GetString("out")), cfg.GetString("log-level"))
	if err != nil {
		return err
	}
	defer closeLog()

	start := time.Now()
	log.Infof("flowmap v%s: running %d job(s)", flowmap.Version, len(jobs))
	results, err := pipeline.RunAll(jobs, cfg.GetInt("workers"), log)
	log.Infof("finished in %v", time.Since(start).Round(time.Millisecond))
	if cfg.GetBool("open") {
		for _, r := range results {
			if r == nil || r.Image() == "" {
				continue
			}
			if oerr := open.Run(r.Image()); oerr != nil {
				log.Warnf("opening %s: %v", r.Image(), oerr)
			}
		}
	}
	return err
}

// gridCmd is a command that creates and saves a tessellation.
var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Create a fishnet",
	Long: `grid divides the area of each boundary layer into square cells of the
configured size and saves them as a shapefile in the output directory. The
cells are the same as the ones an analysis of the boundary uses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if m, err := grid.ParseMethod(Cfg.GetString("tessellation")); err != nil {
			return err
		} else if m != grid.Fishnet {
			return fmt.Errorf("flowmap: voronoi cells depend on the data; use 'run --gridshp' to save them")
		}
		cellSize, err := checkCellSize(Cfg.GetFloat64("cellsize"))
		if err != nil {
			return err
		}
		boundaries, err := checkBoundaries(Cfg.GetStringSlice("boundary"))
		if err != nil {
			return err
		}
		out := os.ExpandEnv(Cfg.GetString("out"))
		if err := os.MkdirAll(out, 0755); err != nil {
			return err
		}
		for _, b := range boundaries {
			path, n, err := Fishnet(b, out, cellSize)
			if err != nil {
				return err
			}
			cmd.Printf("wrote %d cells to %s\n", n, path)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

// classifyCmd is a command that prints the class breaks of a column.
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Print class breaks",
	Long: `classify computes the class breaks of a column of a table with the
configured scheme and prints them with their legend labels. It is useful
for choosing a scheme, or bins for the user_defined scheme, before a run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := classifyConfig(Cfg)
		if err != nil {
			return err
		}
		cmd.Printf("scheme: %s\nclasses: %d\nvalues: %d (min %g, max %g)\n", c.Scheme, c.K, c.N, c.Min, c.Max)
		for i, l := range c.Labels(c.Lower()) {
			cmd.Printf("%d\t%s\n", i+1, l)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

// exportIDsCmd is a command that writes the region table of a boundary.
var exportIDsCmd = &cobra.Command{
	Use:   "export-ids",
	Short: "Write the region ID table of a boundary",
	Long: `export-ids writes a spreadsheet listing the regions of each boundary layer
with their IDs, attributes and ring coordinates in WGS-84 and GCJ-02
longitude and latitude, which is the form in which data for an area are
requested from the data provider. The region IDs are the ones written to
the ID column of matched records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		boundaries, err := checkBoundaries(Cfg.GetStringSlice("boundary"))
		if err != nil {
			return err
		}
		out := os.ExpandEnv(Cfg.GetString("out"))
		if err := os.MkdirAll(out, 0755); err != nil {
			return err
		}
		for _, b := range boundaries {
			path := filepath.Join(out, boundary.IDTableSheet+".xlsx")
			if len(boundaries) > 1 {
				path = filepath.Join(out, stem(b)+"_"+boundary.IDTableSheet+".xlsx")
			}
			l, err := boundary.Load(b)
			if err != nil {
				return err
			}
			if err := l.WriteIDTable(path); err != nil {
				return err
			}
			cmd.Printf("wrote %d regions to %s\n", len(l.Regions), path)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

// Fishnet writes the fishnet of the boundary layer at path to the out
// directory and returns the path of the shapefile and the number of cells.
func Fishnet(path, out string, cellSize float64) (string, int, error) {
	l, err := boundary.Load(path)
	if err != nil {
		return "", 0, err
	}
	crs, err := project.SelectCRS(l.PRJ)
	if err != nil {
		return "", 0, err
	}
	if l, err = match.Reconcile(crs.Name, l); err != nil {
		return "", 0, err
	}
	g, err := grid.NewFishnet(l.Bounds(), cellSize, grid.Margin)
	if err != nil {
		return "", 0, err
	}
	g.PRJ = crs.WKT
	shp := filepath.Join(out, stem(path)+"_网格.shp")
	if err := g.WriteShapefile(shp); err != nil {
		return "", 0, err
	}
	return shp, len(g.Cells), nil
}

// classifyConfig classifies the configured column of the configured table.
func classifyConfig(cfg *viper.Viper) (*classify.Classification, error) {
	data := os.ExpandEnv(cfg.GetString("data"))
	if data == "" {
		return nil, fmt.Errorf("flowmap: parsing configuration: data is not specified")
	}
	variable := cfg.GetString("variable")
	if variable == "" {
		return nil, fmt.Errorf("flowmap: parsing configuration: variable is not specified")
	}
	scheme, k, bins, err := classifyOptions(cfg)
	if err != nil {
		return nil, err
	}
	t, err := table.ReadFile(data, cfg.GetString("encoding"))
	if err != nil {
		return nil, err
	}
	values, err := t.Floats(variable)
	if err != nil {
		return nil, err
	}
	return classify.Classify(values, scheme, k, classify.Options{
		Bins:    bins,
		VMin:    cfg.GetFloat64("vmin"),
		UseVMin: true,
	})
}
