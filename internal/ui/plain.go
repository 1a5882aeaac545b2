package ui

import (
	"context"

	"github.com/harshul/scope-launcher/internal/bus"
	"github.com/harshul/scope-launcher/internal/orchestrator"
)

var phaseLabels = map[string]string{
	string(orchestrator.Initializing):         "Preparing setup",
	string(orchestrator.MaterializingProject): "Copying project files",
	string(orchestrator.CheckingTool):         "Checking environment manager",
	string(orchestrator.DownloadingTool):      "Downloading environment manager",
	string(orchestrator.InstallingTool):       "Installing environment manager",
	string(orchestrator.SyncingDependencies):  "Installing Python dependencies (this can take a while)",
	string(orchestrator.Done):                 "Setup complete",
	string(orchestrator.Failed):               "Setup failed",
}

// PhaseLabel returns the operator-facing text for a setup phase.
func PhaseLabel(phase string) string {
	if label, ok := phaseLabels[phase]; ok {
		return label
	}
	return phase
}

// StreamEvents prints bus events as console lines until ctx is done or the
// subscription is closed. It is the non-interactive counterpart of the
// status view.
func StreamEvents(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.SetupStatusEvent:
		switch p.Phase {
		case string(orchestrator.Done):
			Success(PhaseLabel(p.Phase))
		case string(orchestrator.Failed):
			Error(PhaseLabel(p.Phase))
		default:
			Info(PhaseLabel(p.Phase) + "...")
		}
	case bus.ServerStatusEvent:
		if p.IsRunning {
			Success("Server running at " + p.URL)
		} else {
			Info("Server stopped")
		}
	case bus.ServerErrorEvent:
		Error(p.Kind + ": " + p.Message)
	case bus.ServerLogEvent:
		if ev.Topic == bus.TopicSetupLog {
			Line("   · " + p.Line)
		} else {
			Line("   │ " + p.Line)
		}
	}
}
