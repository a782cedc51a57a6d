package main

import (
	"encoding/json"
	"os"

	"codelens/internal/analyzer"
	"codelens/internal/learning"
	"codelens/internal/services"
)

// stack is the fully wired application: shared substrate, analyzer
// pipeline, learning subsystem. Every command builds one and disposes it.
type stack struct {
	shared    *services.Shared
	workspace *analyzer.Workspace
	analyzer  *analyzer.Analyzer
	loop      *learning.Loop
	tracker   *learning.Tracker
	team      *learning.Team
	orch      *learning.Orchestrator
}

func buildStack() (*stack, error) {
	shared := services.New(cfg)
	if err := shared.Initialize(analyzer.LayerThresholds(cfg.Layers)); err != nil {
		return nil, err
	}

	ws, err := analyzer.NewWorkspace(cfg.Workspace)
	if err != nil {
		shared.Dispose()
		return nil, err
	}
	layers := analyzer.DefaultLayers(ws, analyzer.NewScanParser(), shared.DB, cfg.Layers)
	manager := analyzer.NewManager(shared.Events, shared.Monitor, layers...)
	core := analyzer.New(manager, shared.Cache, shared.Events, 0)

	loop := learning.NewLoop(shared.DB, shared.Events, cfg.Feedback)
	tracker := learning.NewTracker(shared.DB, shared.Events, cfg.Evolution)
	team := learning.NewTeam(shared.DB, shared.Events, cfg.Team)
	orch := learning.NewOrchestrator(loop, tracker, team, shared.DB, shared.Cache, shared.Events, cfg.Learning)

	return &stack{
		shared:    shared,
		workspace: ws,
		analyzer:  core,
		loop:      loop,
		tracker:   tracker,
		team:      team,
		orch:      orch,
	}, nil
}

func (s *stack) dispose() {
	s.tracker.WaitForDetection()
	s.shared.Dispose()
}

// printJSON writes v to stdout as indented JSON. All commands speak JSON so
// output can be piped into jq or another tool.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
