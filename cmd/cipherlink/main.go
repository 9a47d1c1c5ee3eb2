/*
Cipherlink runs the ends of an encrypted TCP tunnel.

	$ cipherlink
	usage: cipherlink { genkey | server | client | get | version }

Genkey

Both ends need the same 32-byte key file. Create one, and copy it to the other
machine through a secure channel:

	$ cipherlink genkey
	genkey: created keys/shared_key.key, copies must keep mode 0600
	9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08

The key is printed in hex as well. Both ends refuse key files that other users
can read.

Server

Run the server, relaying each tunnel to a plaintext service:

	$ cipherlink server -port 8888 -target localhost:80

Client

Run the client, accepting plaintext connections locally and tunneling them to the
server:

	$ cipherlink client -server-host server.example -server-port 8888 -listen localhost:8080
	$ curl http://localhost:8080/

Settings can also be read from a TOML file with -config, and from CIPHERLINK_*
environment variables. Flags override both.

Get

Get fetches an URL through a tunnel directly, without a client:

	$ cipherlink get http://server.example:8888/
*/
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mjl-/cipherlink"
	"github.com/mjl-/cipherlink/cipherlinkhttp"
)

var version = "dev"

func check(err error, action string) {
	if err != nil {
		log.Fatalf("%s: %s\n", action, err)
	}
}

func main() {
	log.SetFlags(0)

	usage := func() {
		log.Printf("usage: cipherlink { genkey | server | client | get | version }\n")
		os.Exit(2)
	}
	if len(os.Args) < 2 {
		usage()
	}

	args := os.Args[1:]
	switch os.Args[1] {
	case "genkey":
		genkey(args)
	case "server":
		server(args)
	case "client":
		client(args)
	case "get":
		get(args)
	case "version":
		fmt.Println(version)
	default:
		usage()
	}
}

func genkey(args []string) {
	log.SetPrefix("genkey: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	output := flagset.String("o", cipherlink.DefaultKeyFile, "file to write the new key to")
	quiet := flagset.Bool("q", false, "do not print the key in hex to stdout")
	flagset.Usage = func() {
		log.Println("usage: cipherlink genkey [flags]")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	if len(flagset.Args()) != 0 {
		flagset.Usage()
		os.Exit(2)
	}

	var stdout io.Writer = os.Stdout
	if *quiet {
		stdout = io.Discard
	}
	err := writeNewKey(*output, stdout)
	check(err, "genkey")
	log.Printf("created %s, copies must keep mode 0600\n", *output)
}

// writeNewKey generates a key, writes it to a new key file at path, and prints it
// in hex to w.
func writeNewKey(path string, w io.Writer) error {
	key, err := cipherlink.GenerateSharedKey(nil)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	if err := cipherlink.WriteKeyFile(path, key); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	_, err = fmt.Fprintln(w, hex.EncodeToString(key))
	return err
}

// common holds the flags shared by server and client.
type common struct {
	configFile string
	keyFile    string
	logLevel   string
	logFile    string
}

func (c *common) register(flagset *flag.FlagSet) {
	flagset.StringVar(&c.configFile, "config", "", "TOML configuration file")
	flagset.StringVar(&c.keyFile, "key-file", "", "shared key file (default "+cipherlink.DefaultKeyFile+")")
	flagset.StringVar(&c.logLevel, "loglevel", "", "log level: debug, info, warn, error (default "+cipherlink.DefaultLogLevel+")")
	flagset.StringVar(&c.logFile, "logfile", "", "also log to this file, rotated by size")
}

// load reads the configuration and key, applying flags through override. Config
// and key errors are fatal.
func (c *common) load(override func(config *cipherlink.Config)) (*cipherlink.Config, *zap.Logger) {
	config, err := cipherlink.LoadConfig(c.configFile)
	check(err, "loading config")
	if c.keyFile != "" {
		config.KeyFile = c.keyFile
	}
	if c.logLevel != "" {
		config.LogLevel = c.logLevel
	}
	if c.logFile != "" {
		config.LogFile = c.logFile
	}
	override(config)

	logger, err := cipherlink.NewLogger(config.LogLevel, config.LogFile)
	check(err, "logging")

	err = config.LoadKey()
	check(err, "loading key")
	err = config.Validate()
	check(err, "config")
	logger.Info("loaded key", zap.String("file", config.KeyFile))
	return config, logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func server(args []string) {
	log.SetPrefix("server: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	var c common
	c.register(flagset)
	host := flagset.String("host", "", "address to bind to (default "+cipherlink.DefaultServerHost+")")
	port := flagset.Int("port", 0, fmt.Sprintf("port to bind to (default %d)", cipherlink.DefaultServerPort))
	target := flagset.String("target", "", "plaintext destination address for tunneled connections")
	flagset.Usage = func() {
		log.Println("usage: cipherlink server [flags]")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	if len(flagset.Args()) != 0 {
		flagset.Usage()
		os.Exit(2)
	}

	config, logger := c.load(func(config *cipherlink.Config) {
		if *host != "" {
			config.ServerHost = *host
		}
		if *port != 0 {
			config.ServerPort = *port
		}
		if *target != "" {
			config.Target = *target
		}
	})
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	s := &cipherlink.Server{Config: config, Log: logger}
	go s.Stats.Report(ctx, logger, time.Minute)
	err := s.ListenAndServe(ctx)
	if err != nil {
		logger.Error("server", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func client(args []string) {
	log.SetPrefix("client: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	var c common
	c.register(flagset)
	serverHost := flagset.String("server-host", "", "server hostname or IP (default "+cipherlink.DefaultClientHost+")")
	serverPort := flagset.Int("server-port", 0, fmt.Sprintf("server port (default %d)", cipherlink.DefaultServerPort))
	listen := flagset.String("listen", "", "local address to accept plaintext connections on (default "+cipherlink.DefaultListenAddr+")")
	flagset.Usage = func() {
		log.Println("usage: cipherlink client [flags]")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	if len(flagset.Args()) != 0 {
		flagset.Usage()
		os.Exit(2)
	}

	config, logger := c.load(func(config *cipherlink.Config) {
		if *serverHost != "" {
			config.ClientHost = *serverHost
		}
		if *serverPort != 0 {
			config.ServerPort = *serverPort
		}
		if *listen != "" {
			config.ListenAddr = *listen
		}
	})
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	cl := &cipherlink.Client{Config: config, Log: logger}
	go cl.Stats.Report(ctx, logger, time.Minute)
	err := cl.ListenAndServe(ctx)
	if err != nil {
		logger.Error("client", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("client stopped")
}

func get(args []string) {
	log.SetPrefix("get: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	var c common
	c.register(flagset)
	flagset.Usage = func() {
		log.Println("usage: cipherlink get [flags] url")
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	args = flagset.Args()
	if len(args) != 1 {
		flagset.Usage()
		os.Exit(2)
	}

	c.logLevel = "error"
	config, _ := c.load(func(*cipherlink.Config) {})

	transport := &http.Transport{}
	cipherlinkhttp.Register("http", transport, config)
	cipherlinkhttp.Register("httpc", transport, config)

	client := &http.Client{Transport: transport}
	resp, err := client.Get(args[0])
	check(err, "http get")
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		log.Fatalf("http response status %v, expected 200", resp.StatusCode)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	check(err, "copy")
}
