package a7comix

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/joho/godotenv"
)

const envPrefix = "A7COMIX_"

type Config struct {
	BuildInfo BuildInfo

	ServerPort int
	Dir        string

	MaxSessions        int
	SessionIdleTimeout time.Duration

	CacheSize MiB

	DiskCache       bool
	DiskCacheSize   MiB
	DiskCacheMaxAge time.Duration

	RenderWorkers int
	RenderTimeout time.Duration
	RenderDPI     int

	DefaultZoom    Zoom
	PrefetchWindow int

	// Debug options

	LogLevel rlog.Level
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (rendered pages and etc.)",
		},
		"session-idle-timeout": {
			p: &cfg.SessionIdleTimeout, defaultValue: 30 * time.Minute, desc: "" +
				"Sessions without requests for this duration are closed, 0 to keep them\n" +
				"until they are deleted. Sessions with open event streams are never closed",
		},
		"max-sessions": {
			p: &cfg.MaxSessions, defaultValue: 8, desc: "Max number of simultaneously open viewer sessions",
		},
		//
		"cache-size": {
			p: &cfg.CacheSize, defaultValue: MiB(256), desc: "" +
				"Memory budget for rendered pages of a single viewer session.\n" +
				"Least recently used pages are evicted when the budget is exceeded",
		},
		"disk-cache": {
			p: &cfg.DiskCache, defaultValue: true, desc: "Keep rendered pages on disk to reopen documents faster",
		},
		"disk-cache-size": {
			p: &cfg.DiskCacheSize, defaultValue: MiB(1024), desc: "Max total size of rendered pages on disk",
		},
		"disk-cache-max-age": {
			p: &cfg.DiskCacheMaxAge, defaultValue: 30 * 24 * time.Hour, desc: "Max age of rendered pages on disk",
		},
		//
		"render-workers": {
			p: &cfg.RenderWorkers, defaultValue: 3, desc: "" +
				"Number of pages rendered simultaneously by a viewer session, 1-8.\n" +
				"Large pages require a lot of memory, so keep this number small",
		},
		"render-timeout": {
			p: &cfg.RenderTimeout, defaultValue: 30 * time.Second, desc: "Max duration of a single page render",
		},
		"render-dpi": {
			p: &cfg.RenderDPI, defaultValue: 96, desc: "Resolution of PDF pages rendered with zoom 1",
		},
		//
		"default-zoom": {
			p: &cfg.DefaultZoom, defaultValue: DefaultZoom, desc: "" +
				"Zoom of newly opened documents. The value is rounded to the closest\n" +
				"supported zoom: 0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 3, 4",
		},
		"prefetch-window": {
			p: &cfg.PrefetchWindow, defaultValue: 3, desc: "Number of pages rendered in advance in the reading direction, 0 to disable",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

// ParseConfig parses command-line flags. Default values can be overridden with environment
// variables (for example, A7COMIX_RENDER_WORKERS for --render-workers), including ones from
// the .env file in the working directory.
func ParseConfig() (Config, error) {
	cfg := Config{
		BuildInfo: readBuildInfo(),
	}

	var printVersion bool
	flag.BoolVar(&printVersion, "version", false, "Print version and exit")

	flags := cfg.getFlagParams()
	if err := registerFlags(flag.CommandLine, flags); err != nil {
		return Config{}, err
	}

	// .env file is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("couldn't load .env file: %w", err)
	}
	if err := applyEnv(flag.CommandLine, flags, os.LookupEnv); err != nil {
		return Config{}, err
	}

	flag.Parse()

	if printVersion {
		cfg.BuildInfo.Print()
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func registerFlags(fs *flag.FlagSet, flags map[string]flagParams) error {
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *int64:
			fs.Int64Var(p, name, params.defaultValue.(int64), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			fs.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case encoding.TextUnmarshaler:
			fs.TextVar(p, name, params.defaultValue.(encoding.TextMarshaler), params.desc)
		default:
			return fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}
	return nil
}

// applyEnv sets flag values from environment variables. It must be called before
// flag parsing, so command-line arguments take precedence.
func applyEnv(fs *flag.FlagSet, flags map[string]flagParams, lookupEnv func(string) (string, bool)) error {
	for name := range flags {
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

		value, ok := lookupEnv(key)
		if !ok {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("invalid value of %s: %w", key, err)
		}
	}
	return nil
}

func (cfg Config) Validate() error {
	if cfg.ServerPort <= 0 {
		return errors.New("server port must be > 0")
	}
	if cfg.Dir == "" {
		return errors.New("dir can't be empty")
	}
	if cfg.MaxSessions <= 0 {
		return errors.New("max sessions must be > 0")
	}
	if cfg.SessionIdleTimeout < 0 {
		return errors.New("session idle timeout can't be negative")
	}
	if cfg.CacheSize <= 0 {
		return errors.New("cache size must be > 0")
	}
	if cfg.RenderWorkers < 1 || cfg.RenderWorkers > 8 {
		return fmt.Errorf("render workers must be in range [1, 8], got %d", cfg.RenderWorkers)
	}
	if cfg.RenderTimeout <= 0 {
		return errors.New("render timeout must be > 0")
	}
	if cfg.RenderDPI <= 0 {
		return errors.New("render dpi must be > 0")
	}
	if cfg.PrefetchWindow < 0 {
		return errors.New("prefetch window can't be negative")
	}
	return nil
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
           _____                      _
      __ _|___  |__ ___  _ __ ___ (_)_  __
     / _' |  / / __/ _ \| '_ ' _ \| \ \/ /
    | (_| | / / (_| (_) | | | | | | |>  <
     \__,_|/_/ \___\___/|_| |_| |_|_/_/\_\

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(os.Stderr, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(os.Stderr, "\n")
}
