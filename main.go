// Command apt-mirror mirrors Debian-style package archives into a local
// directory tree, transactionally: the local tree is at all times a
// consistent snapshot of some previous upstream state.
//
// Usage:
//
//	apt-mirror --output /srv/mirror                 Mirror all configured targets
//	apt-mirror --output /srv/mirror verify          Verify the local tree against its manifests
//	apt-mirror --output /srv/mirror prune --dry-run List files no manifest references anymore
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/etnz/apt-mirror/config"
	"github.com/etnz/apt-mirror/mirror"
	"github.com/etnz/apt-mirror/pgp"
	"github.com/etnz/apt-mirror/ui"
)

var version = "dev"

type options struct {
	configPath  string
	output      string
	dlThreads   int
	pgpKeyPath  string
	force       bool
	quiet       bool
	metricsAddr string

	pruneExclude []string
}

func main() {
	var (
		configPath   = flag.StringP("config", "c", "/etc/apt/mirror.list", "Path to the config file containing the mirror options")
		output       = flag.StringP("output", "o", "", "The directory where the mirrors will be downloaded into")
		dlThreads    = flag.IntP("dl-threads", "d", 8, "The maximum number of concurrent downloads")
		pgpKeyPath   = flag.StringP("pgp-key-path", "p", "", "Path to a folder of PGP public keys used for signature verification where applicable")
		force        = flag.BoolP("force", "f", false, "Ignore the committed release file and assume all metadata is stale")
		quiet        = flag.BoolP("quiet", "q", false, "Suppress progress output")
		settingsPath = flag.StringP("settings", "s", "", "Optional YAML settings file providing flag defaults")
		metricsAddr  = flag.String("metrics-addr", "", "HTTP listen address for Prometheus progress metrics (empty to disable)")
		showVersion  = flag.BoolP("version", "V", false, "Show version and exit")
	)

	// stop at the first non-flag argument so subcommand flags like
	// "prune --dry-run" reach the subcommand parser
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `apt-mirror - transactional Debian archive mirroring

Usage:
  apt-mirror [options] [command]

Commands:
  mirror   Mirror the configured repositories (default)
  verify   Verify the downloaded mirror(s) against their manifests
  prune    Remove unreferenced files in the downloaded mirror(s)

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("apt-mirror version %s\n", version)
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	opts := options{
		configPath:  *configPath,
		output:      *output,
		dlThreads:   *dlThreads,
		pgpKeyPath:  *pgpKeyPath,
		force:       *force,
		quiet:       *quiet,
		metricsAddr: *metricsAddr,
	}

	if *settingsPath != "" {
		settings, err := loadSettings(*settingsPath)
		if err != nil {
			fatal(err)
		}
		applySettings(&opts, settings)
	}

	if opts.output == "" {
		fatal(fmt.Errorf("no output directory specified (--output)"))
	}

	targets, err := config.ReadFile(opts.configPath)
	if err != nil {
		fatal(err)
	}
	if len(targets) == 0 {
		fatal(fmt.Errorf("no valid mirror targets in %s", opts.configPath))
	}

	command := "mirror"
	args := flag.Args()
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "mirror":
		os.Exit(runMirror(targets, opts))
	case "verify":
		os.Exit(runVerify(targets, opts))
	case "prune":
		os.Exit(runPrune(targets, opts, args))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
	os.Exit(1)
}

// applySettings fills config, output, dl-threads and pgp-key-path from the
// settings file unless the user set them explicitly on the command line,
// and takes the prune exclusions from it. Other options are not read from
// the settings file.
func applySettings(opts *options, settings *Settings) {
	if !flag.CommandLine.Changed("config") && settings.Config != "" {
		opts.configPath = settings.Config
	}
	if !flag.CommandLine.Changed("output") && settings.Output != "" {
		opts.output = settings.Output
	}
	if !flag.CommandLine.Changed("dl-threads") && settings.DlThreads > 0 {
		opts.dlThreads = settings.DlThreads
	}
	if !flag.CommandLine.Changed("pgp-key-path") && settings.PgpKeyPath != "" {
		opts.pgpKeyPath = settings.PgpKeyPath
	}
	opts.pruneExclude = settings.PruneExclude
}

func loadKeyStore(opts options) (*pgp.KeyStore, error) {
	if opts.pgpKeyPath == "" {
		return nil, nil
	}
	return pgp.LoadKeyStore(opts.pgpKeyPath)
}

func runMirror(targets []*config.Target, opts options) int {
	keys, err := loadKeyStore(opts)
	if err != nil {
		fatal(err)
	}

	progress := mirror.NewProgress()

	client := &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: opts.dlThreads}}

	downloader := mirror.NewDownloader(opts.dlThreads, client, progress)
	defer downloader.Close()

	renderer := ui.NewRenderer(progress, opts.quiet)
	defer renderer.Stop()

	if opts.metricsAddr != "" {
		server := ui.ServeMetrics(opts.metricsAddr, progress)
		defer server.Close()
	}

	exit := 0

	for _, target := range targets {
		slog.Info("mirroring", "target", target.String())

		ctx, err := mirror.NewMirrorContext(target, opts.output, downloader, keys, opts.force)
		if err != nil {
			ui.PrintResult(target.String(), mirror.Failure{Inner: err})
			exit = 2
			continue
		}
		ctx.Observe = renderer.Refresh

		result := mirror.Run(ctx, mirror.MirrorSteps())
		ui.PrintResult(target.String(), result)

		if result.Err() != nil {
			exit = 2
		}
	}

	return exit
}

func runVerify(targets []*config.Target, opts options) int {
	progress := mirror.NewProgress()

	verifier := mirror.NewVerifier(opts.dlThreads, progress)
	defer verifier.Close()

	renderer := ui.NewRenderer(progress, opts.quiet)
	defer renderer.Stop()

	exit := 0

	for _, target := range targets {
		slog.Info("verifying", "target", target.String())

		ctx, err := mirror.NewVerifyContext(target, opts.output, verifier)
		if err != nil {
			ui.PrintResult(target.String(), mirror.Failure{Inner: err})
			exit = 2
			continue
		}
		ctx.Observe = renderer.Refresh

		result := mirror.Run(ctx, mirror.VerifySteps())
		ui.PrintResult(target.String(), result)

		switch r := result.(type) {
		case mirror.VerifyDone:
			if r.Corrupt > 0 || r.Missing > 0 {
				exit = 2
			}
		default:
			if result.Err() != nil {
				exit = 2
			}
		}
	}

	return exit
}

func runPrune(targets []*config.Target, opts options, args []string) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Print unreferenced files instead of deleting them")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	groups, err := mirror.GroupForPrune(targets, opts.output)
	if err != nil {
		fatal(err)
	}

	progress := mirror.NewProgress()

	renderer := ui.NewRenderer(progress, opts.quiet)
	defer renderer.Stop()

	exit := 0

	for _, group := range groups {
		group.DryRun = *dryRun
		group.ExcludePaths = append(group.ExcludePaths, opts.pruneExclude...)

		slog.Info("pruning", "root", group.Repo.RootDir)

		ctx := mirror.NewPruneContext(group, progress)
		ctx.Observe = renderer.Refresh

		result := mirror.Run(ctx, mirror.PruneSteps())
		ui.PrintResult(group.Repo.RootDir, result)

		if result.Err() != nil {
			exit = 2
		}
	}

	return exit
}
