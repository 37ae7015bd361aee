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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seedlink-go/slink/slclient"
	"github.com/seedlink-go/slink/slmetrics"
	"github.com/seedlink-go/slink/statefile"
)

var (
	streamOutFlag        string
	streamMonitoringPort int
	streamStatePeriod    time.Duration
)

func init() {
	RootCmd.AddCommand(streamCmd)
	flags := streamCmd.Flags()
	flags.StringVarP(&streamOutFlag, "out", "o", "", "write raw payloads to this file, default stdout")
	flags.IntVarP(&streamMonitoringPort, "monitoring-port", "m", 0, "port to serve Prometheus metrics on, disabled if 0")
	flags.DurationVar(&streamStatePeriod, "state-save-interval", 10*time.Second, "how often to persist the resumption state file")
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Connect to a SeedLink server and stream matching records until interrupted",
	RunE:  runStreamCmd,
}

func buildStreamConfig() (*slclient.Config, error) {
	cfg := slclient.DefaultConfig()
	if rootConfigFlag != "" {
		loaded, err := slclient.ReadConfig(rootConfigFlag)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if rootAddressFlag != "" {
		cfg.Address = rootAddressFlag
	}
	if rootStateFlag != "" {
		cfg.StateFile = rootStateFlag
	}
	if rootSelectorsFlag != "" {
		cfg.StreamListString = rootSelectorsFlag
		cfg.StreamListFile = ""
	}
	cfg.LogSink = slclient.LogrusLogger{Threshold: 3}
	if streamMonitoringPort != 0 {
		cfg.Metrics = slmetrics.NewProm()
	}
	return cfg, nil
}

func runStreamCmd(_ *cobra.Command, _ []string) error {
	ConfigureVerbosity()

	cfg, err := buildStreamConfig()
	if err != nil {
		return fmt.Errorf("building config: %w", err)
	}

	out := os.Stdout
	if streamOutFlag != "" {
		f, err := os.OpenFile(streamOutFlag, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", streamOutFlag, err)
		}
		defer f.Close()
		out = f
	}

	sess, err := slclient.New(cfg)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if cfg.StateFile != "" {
		restored, err := statefile.Load(cfg.StateFile)
		if err != nil {
			return fmt.Errorf("loading state file %s: %w", cfg.StateFile, err)
		}
		for _, sub := range restored.Subscriptions() {
			sess.Registry().Update(sub.StationID, sub.SeqNum, sub.Timestamp)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("slinkcat: signal received, terminating")
		sess.Terminate()
	}()

	g, gctx := errgroup.WithContext(ctx)

	if prom, ok := cfg.Metrics.(*slmetrics.Prom); ok {
		g.Go(func() error {
			addr := fmt.Sprintf(":%d", streamMonitoringPort)
			log.Infof("slinkcat: serving metrics on %s", addr)
			if err := prom.ListenAndServe(addr); err != nil {
				log.Errorf("metrics server stopped: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					mean, stddev := prom.GapSummary()
					log.Infof("slinkcat: health rss=%dB goroutines=%d packet_gap_mean=%.3fs packet_gap_stddev=%.3fs",
						prom.ProcessRSS(), prom.Goroutines(), mean, stddev)
				}
			}
		})
	}

	var lastSave time.Time
	g.Go(func() error {
		buf := make([]byte, 16*1024)
		notified := false
		runErr := sess.Run(gctx, buf, func(status slclient.Status, pkt *slclient.PacketInfo, buf []byte) []byte {
			if status == slclient.StatusTooLarge {
				return make([]byte, pkt.PayloadCollected)
			}
			if !notified {
				notified = true
				if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
					log.Warningf("sd_notify failed: %v", err)
				} else if !supported {
					log.Debug("sd_notify not supported, skipping readiness notification")
				}
			}
			if _, err := out.Write(buf[:pkt.PayloadCollected]); err != nil {
				log.Errorf("slinkcat: writing payload: %v", err)
			}
			log.Debugf("slinkcat: %s seq=%d format=%d bytes=%d", pkt.StationID, pkt.SeqNum, pkt.PayloadFormat, pkt.PayloadCollected)
			if cfg.StateFile != "" && time.Since(lastSave) > streamStatePeriod {
				if err := statefile.Save(cfg.StateFile, sess.Registry()); err != nil {
					log.Warningf("slinkcat: saving state file: %v", err)
				}
				lastSave = time.Now()
			}
			return buf
		})
		return runErr
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if cfg.StateFile != "" {
		if err := statefile.Save(cfg.StateFile, sess.Registry()); err != nil {
			log.Warningf("slinkcat: final state save: %v", err)
		}
	}
	return nil
}
