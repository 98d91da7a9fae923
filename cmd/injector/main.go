// Command injector is the embeddable entry point: Initialize starts the
// Supervisor and its two engines and returns once they are launched,
// mirroring the original implementation's steam_client constructor
// spawning its three worker threads and returning control to its caller
// while they keep running (spec.md §6).
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/cdpskins/injector/pkg/configwatch"
	"github.com/cdpskins/injector/pkg/hostbridge"
	"github.com/cdpskins/injector/pkg/patch"
	"github.com/cdpskins/injector/pkg/supervisor"
)

func main() {
	if !Initialize() {
		os.Exit(1)
	}
	select {}
}

// Initialize loads the skin configuration, starts the Supervisor (which
// owns both engines) in the background, starts the on-disk config
// watcher in the background, and returns true once both are launched.
// It does not block: spec.md §6 calls for a single Initialize entry point
// returning a success flag, not a blocking call, matching the original
// implementation's own constructor/Initialize split.
func Initialize() bool {
	debuggerBase := os.Getenv("CDP_SKINS_DEBUGGER_BASE")
	if debuggerBase == "" {
		debuggerBase = "http://127.0.0.1:8080"
	}
	skinPath := os.Getenv("CDP_SKINS_CONFIG_PATH")

	log := logrus.NewEntry(logrus.StandardLogger())

	initial := &patch.PatchSet{Valid: false}
	if skinPath != "" {
		if data, err := os.ReadFile(skinPath); err == nil {
			if ps, err := patch.Parse(data); err == nil {
				initial = ps
			} else {
				log.WithError(err).Warn("injector: initial skin configuration failed to parse")
			}
		}
	}

	sup := supervisor.New(initial,
		supervisor.WithDebuggerBase(debuggerBase),
		supervisor.WithHostBridge(hostbridge.StaticScript(hostBridgeSource)),
		supervisor.WithLogger(log),
	)

	ctx := context.Background()
	go func() {
		if err := sup.Run(ctx); err != nil {
			log.WithError(err).Error("injector: supervisor exited")
		}
	}()

	if skinPath != "" {
		watcher := &configwatch.Watcher{Path: skinPath, Reloader: sup, Log: log}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.WithError(err).Warn("injector: config watcher exited")
			}
		}()
	}

	return true
}

// hostBridgeSource is the settings host bridge the Local Engine injects
// once it sees the settings modal root marker. Its actual contents are an
// external collaborator's concern; this is a minimal stand-in so the
// injection path has something concrete to evaluate.
const hostBridgeSource = `(() => { window.__cdpSkinsHostBridge = true; })();`
