/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the main entry point. It's exported so slinkcat could be
// easily extended without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "slinkcat",
	Short: "SeedLink client: stream, inspect and resume miniSEED data from a SeedLink server",
}

// flags
var (
	rootVerboseFlag   bool
	rootConfigFlag    string
	rootAddressFlag   string
	rootStateFlag     string
	rootSelectorsFlag string
)

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	RootCmd.PersistentFlags().StringVarP(&rootConfigFlag, "config", "c", "", "path to a slinkcat yaml config")
	RootCmd.PersistentFlags().StringVarP(&rootAddressFlag, "address", "a", "", "SeedLink server address (host:port), overrides config")
	RootCmd.PersistentFlags().StringVarP(&rootStateFlag, "state-file", "S", "", "path to the resumption state file, overrides config")
	RootCmd.PersistentFlags().StringVarP(&rootSelectorsFlag, "streams", "l", "", "inline stream list, e.g. IU_ANMO:BHZ.D,IU_COLA")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs
// to be called by any subcommand.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is the main entry point for the CLI interface.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
