// Command moduli-generator is the thin flag-based wiring point for the
// core packages: it builds a config.Config from flags, constructs a
// pipeline.Coordinator over a store.Backend, and dispatches one of a
// handful of verbs. Config-file loading, logging-sink setup, and the
// schema installer remain external collaborators (spec §1) — this is
// deliberately the smallest possible front end, not a CLI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/moduli-generator/moduli-generator/internal/codec"
	"github.com/moduli-generator/moduli-generator/internal/config"
	"github.com/moduli-generator/moduli-generator/internal/pipeline"
	"github.com/moduli-generator/moduli-generator/internal/shutdown"
	"github.com/moduli-generator/moduli-generator/internal/signalctx"
	"github.com/moduli-generator/moduli-generator/internal/store"
	"github.com/moduli-generator/moduli-generator/internal/store/pgstore"
	"github.com/moduli-generator/moduli-generator/internal/subprocess"
	"github.com/moduli-generator/moduli-generator/internal/telemetry"
)

var (
	moduliHome    = flag.String("moduli_home", "", "base directory holding candidates/, moduli/ and log/ subdirectories")
	keyLengths    = flag.String("key_lengths", "3072,4096,6144,7680,8192", "comma-separated DH group sizes in bits")
	niceValue     = flag.Int("nice", 15, "scheduling priority passed to ssh-keygen")
	recordsPer    = flag.Int("records_per_keylength", 20, "rows to sample per key length when assembling an output file")
	dbName        = flag.String("db_name", "moduli_generator", "SQL database name")
	tableName     = flag.String("table_name", "moduli", "SQL table name for live moduli")
	viewName      = flag.String("view_name", "moduli_view", "SQL view name")
	archiveName   = flag.String("archive_name", "moduli_archive", "SQL table name for consumed moduli")
	constantsName = flag.String("constants_name", "constants", "SQL table name for the generation constants table")
	dbConfigPath  = flag.String("db_config_path", "", "path to a db_config_path credentials file")
	deleteOnWrite = flag.Bool("delete_records_on_moduli_write", false, "consume emitted rows after assembling an output file")
	preserveFiles = flag.Bool("preserve_moduli_after_dbstore", false, "keep screened moduli files on disk after a successful store")
	sshKeygenPath = flag.String("ssh_keygen_path", "", "override the ssh-keygen binary (tests point this at a stub)")
)

func parseKeyLengths(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, xerrors.Errorf("parsing key length %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func buildConfig() (config.Config, error) {
	if *moduliHome == "" {
		return config.Config{}, xerrors.Errorf("-moduli_home is required")
	}
	kl, err := parseKeyLengths(*keyLengths)
	if err != nil {
		return config.Config{}, err
	}
	cfg := config.Defaults()
	cfg.ModuliHome = *moduliHome
	cfg.CandidatesDir = filepath.Join(*moduliHome, "candidates")
	cfg.ModuliDir = filepath.Join(*moduliHome, "moduli")
	cfg.LogDir = filepath.Join(*moduliHome, "log")
	cfg.KeyLengths = kl
	cfg.NiceValue = *niceValue
	cfg.RecordsPerKeyLength = *recordsPer
	cfg.DBName = *dbName
	cfg.TableName = *tableName
	cfg.ViewName = *viewName
	cfg.ArchiveName = *archiveName
	cfg.ConstantsName = *constantsName
	cfg.DBConfigPath = *dbConfigPath
	cfg.DeleteRecordsOnModuliWrite = *deleteOnWrite
	cfg.PreserveModuliAfterDBStore = *preserveFiles
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.Backend, error) {
	creds, err := pgstore.ReadCredentials(cfg.DBConfigPath)
	if err != nil {
		return nil, err
	}
	backend, err := pgstore.Open(ctx, pgstore.Config{
		DBName:        cfg.DBName,
		TableName:     cfg.TableName,
		ViewName:      cfg.ViewName,
		ArchiveName:   cfg.ArchiveName,
		ConstantsName: cfg.ConstantsName,
		Credentials:   creds,
	})
	if err != nil {
		return nil, err
	}
	shutdown.Register(backend.Close)
	return backend, nil
}

func newCoordinator(cfg config.Config, backend store.Backend, logger *log.Logger) *pipeline.Coordinator {
	return &pipeline.Coordinator{
		Harness:       &subprocess.Harness{Log: logger, Nice: cfg.NiceValue},
		Store:         backend,
		CandidatesDir: cfg.CandidatesDir,
		ModuliDir:     cfg.ModuliDir,
		Log:           logger,
		SSHKeygenPath: *sshKeygenPath,
	}
}

func cmdGenerate(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c := newCoordinator(cfg, backend, logger)

	candidates, err := c.Generate(ctx, cfg.KeyLengths)
	if candidates == nil && err != nil {
		return err
	}
	if err != nil {
		logger.Printf("generate: %v", err)
	}

	moduliPaths, screenErr := c.Screen(ctx, candidates)
	if moduliPaths == nil && screenErr != nil {
		return screenErr
	}
	if screenErr != nil {
		logger.Printf("screen: %v", screenErr)
	}

	counts, err := c.StoreResults(ctx, moduliPaths)
	if err != nil {
		return err
	}
	logger.Printf("stored %d moduli (%d duplicates)", counts.Inserted, counts.Duplicates)

	if !cfg.PreserveModuliAfterDBStore {
		if err := pipeline.DiscardModuliFiles(moduliPaths); err != nil {
			return err
		}
	}
	return nil
}

func cmdRestart(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c := newCoordinator(cfg, backend, logger)

	moduliPaths, err := c.RestartScreening(ctx)
	if err != nil {
		return err
	}
	if len(moduliPaths) == 0 {
		logger.Printf("no interrupted screening jobs found")
		return nil
	}
	counts, err := c.StoreResults(ctx, moduliPaths)
	if err != nil {
		return err
	}
	logger.Printf("resumed %d job(s), stored %d moduli (%d duplicates)", len(moduliPaths), counts.Inserted, counts.Duplicates)
	if !cfg.PreserveModuliAfterDBStore {
		return pipeline.DiscardModuliFiles(moduliPaths)
	}
	return nil
}

func cmdAssemble(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c := newCoordinator(cfg, backend, logger)

	hostname, _ := os.Hostname()
	outPath := filepath.Join(cfg.ModuliHome, "ssh2-moduli_"+codec.Compact(time.Now().UTC()))
	header := codec.Header{Hostname: hostname, EmitterID: "moduli-generator", GeneratedAt: time.Now().UTC()}
	if err := c.EmitBalanced(ctx, cfg.RecordsPerKeyLength, cfg.KeyLengths, outPath, header, cfg.DeleteRecordsOnModuliWrite); err != nil {
		return err
	}
	logger.Printf("wrote %s", outPath)
	return nil
}

func cmdStats(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	counts, err := backend.CountBySize(ctx)
	if err != nil {
		return err
	}
	for _, k := range cfg.KeyLengths {
		fmt.Printf("%d\t%d\n", k, counts[k])
	}
	return nil
}

func cmdVerifySchema(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	report, err := backend.VerifySchema(ctx)
	if err != nil {
		return err
	}
	fmt.Println(report.Status)
	for _, c := range report.Checks {
		fmt.Printf("  %s: ok=%v %s\n", c.Object, c.OK, c.Detail)
	}
	if report.Status == store.StatusFailed {
		os.Exit(1)
	}
	return nil
}

var verbs = map[string]func(context.Context, config.Config, *log.Logger) error{
	"generate":      cmdGenerate,
	"restart":       cmdRestart,
	"assemble":      cmdAssemble,
	"stats":         cmdStats,
	"verify-schema": cmdVerifySchema,
}

func funcmain() error {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "syntax: moduli-generator [-flags] <generate|restart|assemble|stats|verify-schema>\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]
	if len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected trailing arguments: %v\n", rest)
		os.Exit(2)
	}
	fn, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		os.Exit(2)
	}

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.CandidatesDir, cfg.ModuliDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return xerrors.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := telemetry.Enable(cfg.LogDir); err != nil {
		return xerrors.Errorf("enabling telemetry: %w", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	ctx, canc := signalctx.Interruptible()
	defer canc()

	sampleCtx, stopSampling := context.WithCancel(ctx)
	shutdown.Register(func() error { stopSampling(); return nil })
	go telemetry.SampleResources(sampleCtx)

	runErr := fn(ctx, cfg, logger)
	shutdownErr := shutdown.Run()
	if runErr != nil {
		return xerrors.Errorf("%s: %w", verb, runErr)
	}
	return shutdownErr
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
