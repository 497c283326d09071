// Command tablectl inspects and maintains partition groups on local disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/tablestore/internal/config"
	"github.com/devrev/pairdb/tablestore/internal/cursor"
	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
	"github.com/devrev/pairdb/tablestore/internal/group"
	"github.com/devrev/pairdb/tablestore/internal/metrics"
	"github.com/devrev/pairdb/tablestore/internal/model"
	"github.com/devrev/pairdb/tablestore/internal/partition"
	"github.com/devrev/pairdb/tablestore/internal/server"
	"github.com/devrev/pairdb/tablestore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/tablestore/internal/storage/tempfile"
)

const usage = `usage: tablectl [-config file] [-data dir] <command> [flags] args

commands:
  create <name> <ids> -fields f1,f2 [-distribute expr] [-options flags]
  info <name> <ids>
  dump <name> <ids> [-fields f1,f2] [-limit n]
  exists <name> <ids>
  reorganize <name> <ids> [-target name] [-target-ids ids] [-distribute expr] [-options flags] [-block-size n]
  rename <name> <ids> <new-name>
  delete <name> <ids>
  serve-metrics
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// app holds everything a command needs
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	disk    *diskmanager.DiskManager
	manager *group.Manager
	out     io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("tablectl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", os.Getenv("CONFIG_PATH"), "configuration file")
	dataDir := global.String("data", "", "data directory, overrides the configuration")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
			return 1
		}
	} else {
		cfg = config.Default(".")
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	a, err := newApp(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer a.close()

	cmd, rest := global.Arg(0), global.Args()[1:]
	if err := a.dispatch(cmd, rest); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "%v\n%s", err, usage)
			return 2
		}
		a.logger.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	m := metrics.NewMetrics()
	warn, refuse := cfg.Storage.DiskPercents()
	disk, err := diskmanager.New(diskmanager.Config{
		DataDir:          cfg.Storage.DataDir,
		CheckInterval:    cfg.Storage.DiskCheckInterval,
		WarningThreshold: warn,
		RefuseThreshold:  refuse,
	}, logger)
	if err != nil {
		return nil, err
	}
	temp, err := tempfile.NewFactory(cfg.Storage.TempDir, logger)
	if err != nil {
		return nil, err
	}

	layout, comp := cfg.Engine.Defaults()
	manager, err := group.NewManager(group.Config{
		Resolver: group.DirResolver{Root: cfg.Storage.DataDir},
		Env: &cursor.Env{
			Logger:    logger,
			FetchSize: cfg.Engine.FetchSize,
			Temp:      temp,
			Metrics:   m,
		},
		Disk:        disk,
		Workers:     cfg.Engine.Workers,
		BlockSize:   cfg.Engine.BlockSize,
		Layout:      layout,
		Compression: comp,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, metrics: m, disk: disk, manager: manager, out: out}, nil
}

func (a *app) close() {
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("Failed to stop group manager", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) dispatch(cmd string, args []string) error {
	switch cmd {
	case "create":
		return a.create(args)
	case "info":
		return a.info(args)
	case "dump":
		return a.dump(args)
	case "exists":
		return a.exists(args)
	case "reorganize":
		return a.reorganize(args)
	case "rename":
		return a.rename(args)
	case "delete":
		return a.delete(args)
	case "serve-metrics":
		return a.serveMetrics()
	}
	return usageError(fmt.Sprintf("unknown command %q", cmd))
}

// parseIDs reads a comma-separated id list
func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range splitList(s) {
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, usageError(fmt.Sprintf("bad partition id %q", part))
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, usageError("no partition ids given")
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// target parses "<name> <ids>" ahead of command flags
func target(fs *flag.FlagSet, args []string, extra int) (string, []int, []string, error) {
	if len(args) < 2+extra {
		return "", nil, nil, usageError(fmt.Sprintf("%s needs a group name and partition ids", fs.Name()))
	}
	if err := fs.Parse(args[2+extra:]); err != nil {
		return "", nil, nil, usageError(err.Error())
	}
	ids, err := parseIDs(args[1])
	if err != nil {
		return "", nil, nil, err
	}
	return args[0], ids, args[2 : 2+extra], nil
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (a *app) create(args []string) error {
	fs := newFlags("create")
	fields := fs.String("fields", "", "declared fields, # marks keys")
	dist := fs.String("distribute", "", "distribution rule")
	opts := fs.String("options", "", "partition option flags")
	segment := fs.String("segment", "", "segment field")
	name, ids, _, err := target(fs, args, 0)
	if err != nil {
		return err
	}
	o, err := partition.ParseOptions(*opts)
	if err != nil {
		return err
	}
	g, err := a.manager.Create(name, ids, group.CreateRequest{
		Fields:       splitList(*fields),
		Distribute:   *dist,
		Options:      o,
		SegmentField: *segment,
	})
	if err != nil {
		return err
	}
	defer g.Close()
	fmt.Fprintf(a.out, "created %s with %d partitions\n", name, len(ids))
	return nil
}

func (a *app) open(name string, ids []int) (*group.Group, error) {
	return a.manager.Open(name, ids, group.OpenOptions{})
}

// partitionInfo is the printable form of partition.Info
type partitionInfo struct {
	Path         string   `yaml:"path"`
	Layout       string   `yaml:"layout"`
	Compression  string   `yaml:"compression"`
	BlockSize    int      `yaml:"block_size"`
	Rows         int64    `yaml:"rows"`
	Blocks       int      `yaml:"blocks"`
	Bytes        int64    `yaml:"bytes"`
	Min          []string `yaml:"min,omitempty"`
	Max          []string `yaml:"max,omitempty"`
	SegmentField string   `yaml:"segment_field,omitempty"`
}

type groupInfo struct {
	Name       string          `yaml:"name"`
	Fields     []string        `yaml:"fields"`
	Distribute string          `yaml:"distribute,omitempty"`
	Rows       int64           `yaml:"rows"`
	SubTables  []string        `yaml:"sub_tables,omitempty"`
	Partitions []partitionInfo `yaml:"partitions"`
}

func strs(vs []model.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

func (a *app) info(args []string) error {
	name, ids, _, err := target(newFlags("info"), args, 0)
	if err != nil {
		return err
	}
	g, err := a.open(name, ids)
	if err != nil {
		return err
	}
	defer g.Close()

	out := groupInfo{Name: g.Name(), Fields: g.Schema().Declared(), Rows: g.Rows(), SubTables: g.SubTables()}
	for _, p := range g.Partitions() {
		in := p.Info()
		if out.Distribute == "" {
			out.Distribute = in.Distribute
		}
		out.Partitions = append(out.Partitions, partitionInfo{
			Path:         in.Path,
			Layout:       in.Layout,
			Compression:  in.Compression,
			BlockSize:    in.BlockSize,
			Rows:         in.Rows,
			Blocks:       in.Blocks,
			Bytes:        in.Bytes,
			Min:          strs(in.Min),
			Max:          strs(in.Max),
			SegmentField: in.SegmentField,
		})
	}
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

func (a *app) dump(args []string) error {
	fs := newFlags("dump")
	fields := fs.String("fields", "", "fields to print")
	limit := fs.Int("limit", 0, "maximum rows, 0 for all")
	name, ids, _, err := target(fs, args, 0)
	if err != nil {
		return err
	}
	g, err := a.open(name, ids)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c, err := g.Cursor(ctx, partition.CursorOptions{Fields: splitList(*fields)})
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintln(a.out, strings.Join(c.Schema().Fields(), "\t"))
	n := 0
	errStop := errors.New("limit reached")
	err = cursor.Each(c, func(r *model.Row) error {
		if *limit > 0 && n >= *limit {
			return errStop
		}
		fmt.Fprintln(a.out, strings.Join(strs(r.Values()), "\t"))
		n++
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func (a *app) exists(args []string) error {
	name, ids, _, err := target(newFlags("exists"), args, 0)
	if err != nil {
		return err
	}
	ok, err := a.manager.Exists(name, ids)
	if err != nil {
		if storageerrors.HasCode(err, storageerrors.ErrCodePartialGroup) {
			fmt.Fprintln(a.out, "partial")
		}
		return err
	}
	fmt.Fprintln(a.out, ok)
	return nil
}

func (a *app) reorganize(args []string) error {
	fs := newFlags("reorganize")
	to := fs.String("target", "", "target group, default in place")
	toIDs := fs.String("target-ids", "", "target partition ids, default the source ids")
	dist := fs.String("distribute", "", "new distribution rule")
	opts := fs.String("options", "", "option flags")
	blockSize := fs.Int("block-size", 0, "rows per block of the result")
	name, ids, _, err := target(fs, args, 0)
	if err != nil {
		return err
	}
	req := group.ReorganizeRequest{Target: *to, Distribute: *dist, BlockSize: *blockSize}
	if *toIDs != "" {
		if req.TargetIDs, err = parseIDs(*toIDs); err != nil {
			return err
		}
	}
	if req.Options, err = partition.ParseOptions(*opts); err != nil {
		return err
	}

	g, err := a.open(name, ids)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	job, err := g.Reorganize(ctx, req)
	if job != nil {
		fmt.Fprintf(a.out, "job %s %s path=%s rows=%d duration=%s\n",
			job.JobID, job.Status, job.Path, job.Rows, job.Duration().Round(time.Millisecond))
	}
	return err
}

func (a *app) rename(args []string) error {
	name, ids, extra, err := target(newFlags("rename"), args, 1)
	if err != nil {
		return err
	}
	if err := a.manager.Rename(name, ids, extra[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "renamed %s to %s\n", name, extra[0])
	return nil
}

func (a *app) delete(args []string) error {
	name, ids, _, err := target(newFlags("delete"), args, 0)
	if err != nil {
		return err
	}
	if err := a.manager.Delete(name, ids); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deleted %s\n", name)
	return nil
}

func (a *app) serveMetrics() error {
	if !a.cfg.Metrics.Enabled {
		a.logger.Warn("Metrics disabled in configuration, serving anyway")
	}
	s := server.NewMetricsServer(&server.MetricsServerConfig{
		Port: a.cfg.Metrics.Port,
		Path: a.cfg.Metrics.Path,
	}, a.metrics, a.disk, a.logger)
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("Shutting down gracefully...")
	return s.Stop()
}
