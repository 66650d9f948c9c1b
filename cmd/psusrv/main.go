package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	bugst "go.bug.st/serial"
	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "psusrv.yml"
)

func root() {
	str := `psusrv communicates with HP/Agilent E3631A power supplies and exposes an HTTP interface to them
This enables a server-client architecture, and the clients can leverage the
excellent HTTP libraries for any programming language.

Usage:
	psusrv <command> [--config psusrv.yml] [--addr :8000] [--mock] [--logfile psusrv.log]

Commands:
	run
	help
	mkconf
	conf
	ports
	version`
	fmt.Println(str)
}

func help() {
	str := `psusrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

No two nodes can have the same endpoint.

Endpoints may look like any variation between "omc/psu" or "/omc/psu/*", the leading
and trailing slashes, as well as the *, are added by the server if missing.

Each node serves, under its endpoint:
	GET       /version
	GET       /errors                            drains the error queue
	GET, POST /output            {"bool": true}
	GET, POST /voltage-setpoint  {"f64": 5.0}   active output, truncated to 0~6.18 V
	GET, POST /current-limit     {"f64": 1.0}   active output, truncated to 0~5.15 A
	GET       /voltage, /current                 measured at the active output
	GET, POST /applied           {"voltage": 5.0, "current": 1.0}
	GET, POST /channel           {"int": 1}     0 = +6V, 1 = +25V, 2 = -25V
	GET, POST /channel/{ch}/voltage, /channel/{ch}/current
	POST      /remote            {"bool": true} locks the front panel Local key
	POST      /local
	POST      /raw               {"str": "*IDN?"}
	GET, POST /lock              {"bool": true} while locked, every other route answers 423`
	fmt.Println(str)
}

func mustConfig() Config {
	fs := flagSet()
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatal(err)
	}
	path, _ := fs.GetString("config")
	c, err := LoadConfig(path, fs)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := mustConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := mustConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func ports() {
	list, err := bugst.GetPortsList()
	if err != nil {
		log.Fatal(err)
	}
	if len(list) == 0 {
		fmt.Println("no serial ports found")
		return
	}
	for _, p := range list {
		fmt.Println(p)
	}
}

func pversion() {
	fmt.Printf("psusrv version %v\n", Version)
}

func run() {
	c := mustConfig()
	log.SetOutput(logSink(c))
	if len(c.Nodes) == 0 {
		log.Fatal("no nodes configured, nothing to serve")
	}
	mux, err := BuildMux(c)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "ports":
		ports()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
