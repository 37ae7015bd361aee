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
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/seedlink-go/slink/slclient"
	"github.com/seedlink-go/slink/slreg"
	"github.com/seedlink-go/slink/statefile"
)

func init() {
	RootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the resumption state a stream would start from",
	Args:  cobra.NoArgs,
	RunE:  runStatusCmd,
}

func runStatusCmd(_ *cobra.Command, _ []string) error {
	ConfigureVerbosity()

	path := rootStateFlag
	if path == "" && rootConfigFlag != "" {
		cfg, err := slclient.ReadConfig(rootConfigFlag)
		if err != nil {
			return fmt.Errorf("reading config %s: %w", rootConfigFlag, err)
		}
		path = cfg.StateFile
	}
	if path == "" {
		return fmt.Errorf("slinkcat: status needs --state-file or a --config with state_file set")
	}

	reg, err := statefile.Load(path)
	if err != nil {
		return fmt.Errorf("loading state file %s: %w", path, err)
	}

	if reg.AllStation() {
		fmt.Println("all-station mode")
	}

	plain := !term.IsTerminal(int(os.Stdout.Fd()))
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"station", "selectors", "seqnum", "timestamp"})
	if plain {
		table.SetColWidth(0)
	} else {
		table.SetColWidth(24)
	}
	for _, sub := range reg.Subscriptions() {
		seq := "unset"
		if sub.SeqNum != slreg.UnsetSeq {
			seq = strconv.FormatUint(sub.SeqNum, 10)
		}
		selectors := sub.Selectors
		if selectors == "" {
			selectors = "*"
		}
		table.Append([]string{sub.StationID, selectors, seq, sub.Timestamp})
	}
	table.Render()
	return nil
}
