// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/ss-local/internal/acl"
	"github.com/xtaci/ss-local/internal/cipher"
	"github.com/xtaci/ss-local/internal/config"
	"github.com/xtaci/ss-local/internal/registry"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "ss-local"
	myApp.Usage = "client-side encrypted SOCKS5 tunnel"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "localaddr,l",
			Value: "127.0.0.1",
			Usage: "local listen address",
		},
		cli.IntFlag{
			Name:  "localport,p",
			Value: 1080,
			Usage: "local listen port",
		},
		cli.StringFlag{
			Name:  "server,s",
			Value: "",
			Usage: `one or more "host:port" relays, comma separated`,
		},
		cli.StringFlag{
			Name:   "password,k",
			Value:  "",
			Usage:  "pre-shared password between client and relay",
			EnvVar: "SS_LOCAL_PASSWORD",
		},
		cli.StringFlag{
			Name:  "method,m",
			Value: "aes-256-ctr",
			Usage: "aes-128-ctr, aes-256-ctr, chacha20, none",
		},
		cli.IntFlag{
			Name:  "timeout",
			Value: 300,
			Usage: "idle timeout in seconds",
		},
		cli.BoolFlag{
			Name:  "fast-open",
			Usage: "enable TCP Fast Open on the upstream connection",
		},
		cli.BoolFlag{
			Name:  "udp",
			Usage: "acknowledge and then tear down UDP_ASSOCIATE requests",
		},
		cli.StringFlag{
			Name:  "acl",
			Value: "",
			Usage: "access-list file (plain text or yaml) for direct-mode bypass",
		},
		cli.StringFlag{
			Name:  "iface",
			Value: "",
			Usage: "bind outgoing connections to this network interface (linux only)",
		},
		cli.StringFlag{
			Name:  "pid-file",
			Value: "",
			Usage: "write the process id to this file",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "log each accepted session's destination",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Config{
		LocalAddr: c.String("localaddr"),
		LocalPort: c.Int("localport"),
		Password:  c.String("password"),
		Method:    c.String("method"),
		Timeout:   c.Int("timeout"),
		FastOpen:  c.Bool("fast-open"),
		UDPRelay:  c.Bool("udp"),
		ACLPath:   c.String("acl"),
		Iface:     c.String("iface"),
		PIDFile:   c.String("pid-file"),
		Log:       c.String("log"),
		Verbose:   c.Bool("verbose"),
	}
	cfg.Relays = parseRelays(c.String("server"))

	if path := c.String("c"); path != "" {
		if err := config.ParseJSONFile(&cfg, path); err != nil {
			return err
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if err := cfg.Validate(); err != nil {
		color.Red("%v", err)
		return err
	}
	if cfg.Method != cipher.None && len(cfg.Password) < 8 {
		color.Red("warning: password is shorter than 8 characters, keys derived from it are weak")
	}

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	aclList, err := acl.Load(cfg.ACLPath)
	if err != nil {
		return err
	}

	method, err := cipher.NewMethod(cfg.Method)
	if err != nil {
		return err
	}
	key := cipher.DeriveKey(cfg.Password, method)

	listenAddr := net.JoinHostPort(cfg.LocalAddr, strconv.Itoa(cfg.LocalPort))
	listener, err := listenConfig.Listen(context.Background(), "tcp", listenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", listenAddr)
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", listener.Addr())
	log.Println("relays:", cfg.Relays)
	log.Println("method:", cfg.Method)
	log.Println("timeout:", cfg.Timeout)
	log.Println("fast-open:", cfg.FastOpen)
	log.Println("udp-associate:", cfg.UDPRelay)
	log.Println("acl:", cfg.ACLPath)

	reg := registry.New()
	installSignalHandlers(listener, reg)

	srv := &server{
		cfg:    &cfg,
		method: method,
		key:    key,
		acl:    aclList,
		reg:    reg,
	}
	return srv.serve(listener)
}

func parseRelays(raw string) []config.Relay {
	var relays []config.Relay
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		relays = append(relays, config.Relay{Host: host, Port: port})
	}
	return relays
}

func writePIDFile(path string) error {
	pid := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(pid), 0644); err != nil {
		return errors.Wrapf(err, "write pid file %s", path)
	}
	return nil
}
