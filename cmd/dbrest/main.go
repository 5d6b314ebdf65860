/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mattn/go-isatty"
	"github.com/rapidloop/dbrest"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var (
	flagset  = pflag.NewFlagSet("", pflag.ContinueOnError)
	fversion = flagset.BoolP("version", "v", false, "show version and exit")
	fcheck   = flagset.BoolP("check", "c", false, "only check if the config file is valid")
	flog     = flagset.StringP("logtype", "l", "text", "print logs in 'text' (default) or 'json' format")
	fnocolor = flagset.Bool("no-color", false, "do not colorize log output")
	fyaml    = flagset.BoolP("yaml", "y", false, "config-file is in YAML format")
)

var version string // set during build

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: dbrest [options] config-file
dbrest discovers PostgreSQL routines and tables and serves them as HTTP.

Options:
`)
	flagset.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
(c) RapidLoop, Inc. 2022
`)
}

func main() {
	flagset.Usage = usage
	if err := flagset.Parse(os.Args[1:]); err == pflag.ErrHelp {
		return
	} else if err != nil || (!*fversion && flagset.NArg() != 1) || (*flog != "text" && *flog != "json") {
		usage()
		os.Exit(1)
	}

	log.SetFlags(0)
	if *fversion {
		fmt.Printf("dbrest v%s\n(c) RapidLoop, Inc. 2022\n", version)
		return
	}
	os.Exit(realmain())
}

// envOverlay carries the subset of APIServerConfig that makes sense to
// supply from the environment in a containerized deployment: connection
// secrets and a couple of top-level tunables. It is applied on top of
// whatever the config file set, never replacing a file value with an empty
// one. Grounded on bugielektrik-library's internal/config/config.go, which
// walks a typed struct through envconfig.Process under one prefix instead
// of hand-parsing os.Getenv calls.
type envOverlay struct {
	Listen         string `envconfig:"LISTEN"`
	DatasourceHost string `envconfig:"DB_HOST"`
	DatasourceName string `envconfig:"DB_NAME"`
	DatasourceUser string `envconfig:"DB_USER"`
	DatasourcePass string `envconfig:"DB_PASSWORD"`
	SecretKey      string `envconfig:"AUTH_SECRET_KEY"`
}

// applyEnvOverlay loads a local .env (if present, for development) then
// processes DBREST_-prefixed environment variables into cfg, overriding
// only the fields a non-empty overlay value names. A missing .env file is
// not an error; envconfig.Process failing (e.g. a malformed value) is.
func applyEnvOverlay(cfg *dbrest.APIServerConfig) error {
	_ = godotenv.Load() // optional, development convenience only

	var ov envOverlay
	if err := envconfig.Process("dbrest", &ov); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	if ov.Listen != "" {
		cfg.Listen = ov.Listen
	}
	if ov.SecretKey != "" {
		cfg.Auth.SecretKey = ov.SecretKey
	}
	if ov.DatasourceHost != "" || ov.DatasourceName != "" || ov.DatasourceUser != "" || ov.DatasourcePass != "" {
		if len(cfg.Datasources) == 0 {
			cfg.Datasources = append(cfg.Datasources, dbrest.Datasource{Name: "default"})
		}
		ds := &cfg.Datasources[0]
		if ov.DatasourceHost != "" {
			ds.Host = ov.DatasourceHost
		}
		if ov.DatasourceName != "" {
			ds.Database = ov.DatasourceName
		}
		if ov.DatasourceUser != "" {
			ds.User = ov.DatasourceUser
		}
		if ov.DatasourcePass != "" {
			ds.Password = ov.DatasourcePass
		}
	}
	return nil
}

func realmain() int {
	raw, err := os.ReadFile(flagset.Arg(0))
	if err != nil {
		log.Printf("dbrest: failed to read input: %v", err)
		return 1
	}
	var config dbrest.APIServerConfig
	if *fyaml {
		if err := yaml.Unmarshal(raw, &config); err != nil {
			log.Printf("dbrest: failed to decode yaml: %v", err)
			return 1
		}
	} else {
		if err := json.Unmarshal(raw, &config); err != nil {
			log.Printf("dbrest: failed to decode json: %v", err)
			return 1
		}
	}

	if err := applyEnvOverlay(&config); err != nil {
		log.Printf("dbrest: %v", err)
		return 1
	}

	if *fcheck {
		var w, e int
		for _, r := range config.Validate() {
			if r.Warn {
				fmt.Print("warning: ")
				w++
			} else {
				fmt.Print("error: ")
				e++
			}
			fmt.Println(r.Message)
		}
		if w > 0 || e > 0 {
			fmt.Printf("\n%s: %d error(s), %d warning(s)\n", flagset.Arg(0), e, w)
		}
		if e > 0 {
			return 2
		}
		return 0
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if lvl := config.Logging.Level; lvl != "" {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			zerolog.SetGlobalLevel(parsed)
		}
	}
	var logger zerolog.Logger
	if *flog == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		out := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05.999",
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()) || *fnocolor,
		}
		logger = zerolog.New(out).With().Timestamp().Logger()
	}

	server, err := dbrest.NewAPIServer(&config, logger)
	if err != nil {
		log.Printf("dbrest: failed to create server: %v", err)
		return 1
	}
	if err := server.Start(); err != nil {
		log.Printf("dbrest: failed to start server: %v", err)
		return 1
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	signal.Stop(ch)
	close(ch)

	if err := server.Stop(time.Minute); err != nil {
		log.Printf("dbrest: warning: failed to stop server: %v", err)
	}

	return 0
}
