// Command esfsctl is a factory-line tool for exercising the storage engine
// directly: write, read, delete, and factory-reset a target partition pair
// without a device attached, the way permissionsedit drives a card from the
// command line.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/barnettlynn/esfs/internal/config"
	"github.com/barnettlynn/esfs/internal/esfs"
	"github.com/barnettlynn/esfs/internal/pal/posix"
	"github.com/barnettlynn/esfs/kcm"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (required)")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if *logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	args := flag.Args()
	if *configPath == "" || len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "esfsctl: load config: %v\n", err)
		os.Exit(1)
	}

	rot, err := promptRoT()
	if err != nil {
		fmt.Fprintf(os.Stderr, "esfsctl: %v\n", err)
		os.Exit(1)
	}

	fs := &posix.FS{
		Primary:          cfg.Partitions.PrimaryRoot,
		Secondary:        cfg.Partitions.SecondaryRoot,
		PrimaryPrivate:   boolOr(cfg.Partitions.PrimaryPrivate, false),
		SecondaryPrivate: boolOr(cfg.Partitions.SecondaryPrivate, false),
	}
	keys := posix.KeyDeriver{RoT: rot}
	engineCfg := esfs.Config{
		ReadyRetries: cfg.Retry.Attempts(),
		ReadyBackoff: cfg.Retry.Backoff(),
	}

	engine, err := esfs.Init(fs, posix.Crypto{}, keys, posix.Clock{}, engineCfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "esfsctl: init engine: %v\n", err)
		os.Exit(1)
	}
	manager := kcm.New(engine)

	cmd, rest := args[0], args[1:]
	if err := dispatch(manager, engine, cmd, rest); err != nil {
		fmt.Fprintf(os.Stderr, "esfsctl: %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func dispatch(m *kcm.Manager, engine *esfs.Engine, cmd string, args []string) error {
	switch cmd {
	case "write":
		return cmdWrite(m, args)
	case "read":
		return cmdRead(m, args)
	case "delete":
		return cmdDelete(m, args)
	case "factory-reset":
		return engine.FactoryReset()
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdWrite(m *kcm.Manager, args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	name := fs.String("name", "", "item name")
	file := fs.String("file", "", "path to the payload to store (- for stdin)")
	encrypted := fs.Bool("encrypted", false, "store encrypted")
	factory := fs.Bool("factory", false, "mirror to the backup partition")
	fs.Parse(args)

	if *name == "" || *file == "" {
		return fmt.Errorf("write requires -name and -file")
	}
	data, err := readInput(*file)
	if err != nil {
		return err
	}
	return m.Write([]byte(*name), data, 0, *factory, *encrypted, nil)
}

func cmdRead(m *kcm.Manager, args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	name := fs.String("name", "", "item name")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("read requires -name")
	}

	buf := make([]byte, 256*1024)
	n, _, err := m.Read([]byte(*name), buf)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf[:n])
	return err
}

func cmdDelete(m *kcm.Manager, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	name := fs.String("name", "", "item name")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("delete requires -name")
	}
	return m.Delete([]byte(*name))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return os.ReadFile("/dev/stdin")
	}
	return os.ReadFile(path)
}

// promptRoT reads a passphrase from the terminal without echoing it and
// folds it down to the 128-bit root of trust posix.KeyDeriver expects. A
// real device reads its RoT out of provisioned hardware; this tool has no
// hardware to read it from, so it derives a stand-in deterministically from
// operator input instead.
func promptRoT() ([16]byte, error) {
	fmt.Fprint(os.Stderr, "RoT passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return [16]byte{}, fmt.Errorf("read passphrase: %w", err)
	}
	digest := sha256.Sum256(passphrase)
	var rot [16]byte
	copy(rot[:], digest[:16])
	return rot, nil
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: esfsctl -config FILE <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  write  -name NAME -file FILE [-encrypted] [-factory]")
	fmt.Fprintln(os.Stderr, "  read   -name NAME")
	fmt.Fprintln(os.Stderr, "  delete -name NAME")
	fmt.Fprintln(os.Stderr, "  factory-reset")
}
