package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/benchlab/psulab/generichttp"
	"github.com/benchlab/psulab/generichttp/ascii"
	"github.com/benchlab/psulab/hp"
	"github.com/benchlab/psulab/server/middleware/locker"
)

// ObjSetup holds the arguments for connecting to one supply
type ObjSetup struct {
	// Addr holds the network or filesystem address of the supply,
	// e.g. 192.168.100.123:2006 for a supply connected to port 6
	// on a digi portserver, or /dev/ttyUSB0 for an RS232 cable
	Addr string `koanf:"addr" yaml:"addr"`

	// Endpoint is the full path the routes from this supply will be served on
	// ex. Endpoint="/omc/psu" will produce routes of /omc/psu/output, etc.
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"serial" yaml:"serial"`

	// Baud is the RS232 baud rate, zero selects the supply's default of 9600
	Baud int `koanf:"baud" yaml:"baud"`
}

// Config is a struct that holds the initialization parameters for the server.
// It is populated by koanf from defaults, the yaml file, and flags, in that order.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Mock replaces every supply with a simulator
	Mock bool `koanf:"mock" yaml:"mock"`

	// LogFile, if not blank, sends the log to a size-rotated file instead of stderr
	LogFile string `koanf:"logfile" yaml:"logfile"`

	// Nodes is the list of supplies to set up
	Nodes []ObjSetup `koanf:"nodes" yaml:"nodes"`
}

func defaultConfig() Config {
	return Config{
		Addr: ":8000",
		Nodes: []ObjSetup{{
			Addr:     "/dev/ttyUSB0",
			Endpoint: "/psu",
			Serial:   true,
			Baud:     hp.DefaultBaud,
		}}}
}

// flagSet returns the flags understood by every command
func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("psusrv", pflag.ContinueOnError)
	fs.String("config", ConfigFileName, "path to the yaml configuration file")
	fs.String("addr", ":8000", "address to listen at")
	fs.Bool("mock", false, "simulate every supply instead of connecting to hardware")
	fs.String("logfile", "", "rotate the log into this file instead of writing to stderr")
	return fs
}

// LoadConfig merges the defaults, the yaml file at path (if it exists), and
// any flags set on fs, which may be nil
func LoadConfig(path string, fs *pflag.FlagSet) (Config, error) {
	c := Config{}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return c, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}
	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return c, err
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// logSink returns the destination for the log described by c
func logSink(c Config) io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
	}
}

func newSupply(c Config, node ObjSetup) (*hp.E3631A, error) {
	if c.Mock {
		return hp.New(hp.NewMock()), nil
	}
	return hp.NewE3631A(node.Addr, node.Baud, node.Serial)
}

// BuildMux constructs a chi router with one sub router per supply.
// The mux serves a special route, /endpoints, which returns a
// map of stem => routes as JSON.
func BuildMux(c Config) (chi.Router, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	for _, node := range c.Nodes {
		// prepare the URL, "omc/psu" => "/omc/psu"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, ok := supergraph[hndlS]; ok {
			return nil, fmt.Errorf("endpoint %s is used by more than one node", hndlS)
		}

		psu, err := newSupply(c, node)
		if err != nil {
			return nil, err
		}
		httper := hp.NewHTTPWrapper(psu)
		ascii.InjectRawComm(httper.RT(), psu)

		lock := locker.New()
		locker.Inject(httper, lock)

		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		r.Use(httper.Serialize)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
		log.Printf("E3631A at %s mounted on %s", node.Addr, hndlS)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			log.Println(err)
		}
	})
	return root, nil
}
