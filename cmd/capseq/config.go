package main

import (
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/capseq/capture"
	"github.com/nasa-jpl/capseq/sim"
)

const envPrefix = "CAPSEQ_"

var (
	// ConfigFileName is what it sounds like
	ConfigFileName = "capseq.yml"
	k              = koanf.New(".")
)

// Config is the configuration of capseq
type Config struct {
	// Addr is the listen address of serve
	Addr string `yaml:"addr" koanf:"addr"`

	// QueueFile is loaded by serve at startup and is the default target of /queue/save
	QueueFile string `yaml:"queueFile" koanf:"queueFile"`

	// ImageRoot is where frames are written, relative signatures are joined to it
	ImageRoot string `yaml:"imageRoot" koanf:"imageRoot"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"logLevel" koanf:"logLevel"`

	Capture capture.Options `yaml:"capture" koanf:"capture"`
	Sim     sim.Config      `yaml:"sim" koanf:"sim"`
}

func defaultConfig() Config {
	return Config{
		Addr:      ":8000",
		QueueFile: "queue.yml",
		ImageRoot: "frames",
		LogLevel:  "info",
		Capture:   capture.DefaultOptions(),
		Sim:       sim.DefaultConfig(),
	}
}

// envKey maps CAPSEQ_CAPTURE_PENDINGPOLL to the existing key capture.pendingPoll
func envKey(s string) string {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	for _, have := range k.Keys() {
		if strings.ToLower(have) == key {
			return have
		}
	}
	return key
}

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") {
			log.Fatalf("error loading config: %v", err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func loadConfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) logger() *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		log.Fatalf("bad log level %q: %v", c.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func mkconf() {
	c := loadConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadConfig()
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}
