package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ryansname/bmsctl/src/balancing"
	"github.com/ryansname/bmsctl/src/battery"
)

// ANSI color codes for highlighting changes
const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m" // Yellow for changed values
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// views lists what show and watch can display.
var views = []string{"soc", "soe", "sof", "bal", "minmax", "pack"}

// renderView formats one view of a snapshot, one line per row.
func renderView(view string, snap *Snapshot) ([]string, error) {
	var lines []string
	perString := func(format func(s int) string) {
		for s := range battery.NrOfStrings {
			lines = append(lines, fmt.Sprintf("%s[%d] %s", view, s, format(s)))
		}
	}

	switch view {
	case "soc", "soe":
		t, unit := &snap.Soc, "Ah"
		if view == "soe" {
			t, unit = &snap.Soe, "Wh"
		}
		perString(func(s int) string {
			return fmt.Sprintf("avg %6.2f %% min %6.2f %% max %6.2f %% | %s %s | in %s out %s",
				t.AveragePercent[s], t.MinimumPercent[s], t.MaximumPercent[s],
				formatDebugValue(t.Average[s]), unit,
				formatDebugValue(t.ChargeThroughput[s]), formatDebugValue(t.DischargeThroughput[s]))
		})

	case "sof":
		perString(func(s int) string {
			return fmt.Sprintf("charge %s A discharge %s A (peak %s / %s A)",
				formatDebugValue(snap.Sof.ContinuousChargeCurrent_mA[s]/1000),
				formatDebugValue(snap.Sof.ContinuousDischargeCurrent_mA[s]/1000),
				formatDebugValue(snap.Sof.PeakChargeCurrent_mA[s]/1000),
				formatDebugValue(snap.Sof.PeakDischargeCurrent_mA[s]/1000))
		})
		lines = append(lines, fmt.Sprintf("sof pack charge %s A discharge %s A",
			formatDebugValue(snap.Sof.PackContinuousChargeCurrent_mA/1000),
			formatDebugValue(snap.Sof.PackContinuousDischargeCurrent_mA/1000)))

	case "bal":
		st := snap.Balancing
		lines = append(lines, fmt.Sprintf("bal %v/%v (last %v/%v) active=%v allowed=%v global=%v threshold=%d mV",
			st.State, st.Substate, st.LastState, st.LastSubstate,
			st.Active, st.Allowed, st.GlobalAllowed, st.Threshold_mV))
		perString(func(s int) string {
			var cells []string
			for c := range battery.NrOfCellBlocksPerString {
				if snap.Control.DeltaCharge_mAs[s][c] > 0 {
					mark := ""
					if snap.Control.ActivateBalancing[s][c] {
						mark = "*"
					}
					cells = append(cells, fmt.Sprintf("%d%s:%d", c, mark, snap.Control.DeltaCharge_mAs[s][c]))
				}
			}
			if len(cells) == 0 {
				return "balanced"
			}
			return fmt.Sprintf("%d active, mAs left %s", snap.Control.NrBalancedCells[s], strings.Join(cells, " "))
		})

	case "minmax":
		mm := &snap.MinMax
		perString(func(s int) string {
			if !mm.Valid[s] {
				return "no data"
			}
			return fmt.Sprintf("cells %d..%d mV (avg %d, min #%d, max #%d) temp %.1f..%.1f °C",
				mm.MinimumCellVoltage_mV[s], mm.MaximumCellVoltage_mV[s], mm.AverageCellVoltage_mV[s],
				mm.NrCellMinimumCellVoltage[s], mm.NrCellMaximumCellVoltage[s],
				float64(mm.MinimumTemperature_ddegC[s])/10, float64(mm.MaximumTemperature_ddegC[s])/10)
		})

	case "pack":
		p := &snap.Pack
		line := fmt.Sprintf("pack resting=%v closed=%d error=%v", p.Resting, p.NrClosedStrings, p.TransitionToErrorActive)
		if p.ErrorReason != "" {
			line += " (" + p.ErrorReason + ")"
		}
		lines = append(lines, line)

	default:
		return nil, fmt.Errorf("unknown view %q (one of %s)", view, strings.Join(views, ", "))
	}
	return lines, nil
}

// formatDebugValue formats a float with smart precision
func formatDebugValue(v float64) string {
	if v >= 100 || v <= -100 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

// DebugState manages the watched views
type DebugState struct {
	watches    []string
	latest     *Snapshot
	rl         *readline.Instance
	prevValues map[string]string // Previous line per row for change highlighting
}

// NewDebugState creates a new debug state
func NewDebugState() *DebugState {
	return &DebugState{prevValues: make(map[string]string)}
}

// AddWatch adds a view to print on every snapshot
func (s *DebugState) AddWatch(view string) {
	if !slices.Contains(views, view) {
		log.Printf("Unknown view: %s (one of %s)", view, strings.Join(views, ", "))
		return
	}
	if slices.Contains(s.watches, view) {
		log.Printf("Already watching: %s", view)
		return
	}
	s.watches = append(s.watches, view)
	slices.Sort(s.watches)
	log.Printf("Watching: %s", view)
}

// RemoveWatch removes a watched view
func (s *DebugState) RemoveWatch(view string) bool {
	i := slices.Index(s.watches, view)
	if i < 0 {
		log.Printf("No watch found for: %s", view)
		return false
	}
	s.watches = slices.Delete(s.watches, i, i+1)
	log.Printf("Unwatched: %s", view)
	return true
}

// RemoveAll removes all watches
func (s *DebugState) RemoveAll() {
	s.watches = s.watches[:0]
	log.Println("All watches removed")
}

// UpdateData stores the latest snapshot for show
func (s *DebugState) UpdateData(snap Snapshot) {
	s.latest = &snap
}

// SetReadline sets the readline instance for proper output handling
func (s *DebugState) SetReadline(rl *readline.Instance) {
	s.rl = rl
}

// print outputs a line, handling readline prompt properly
func (s *DebugState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		fmt.Println(line)
		s.rl.Refresh()
	} else {
		fmt.Println(line)
	}
}

// Show prints a view of the latest snapshot
func (s *DebugState) Show(view string) {
	if s.latest == nil {
		log.Println("No data received yet")
		return
	}
	lines, err := renderView(view, s.latest)
	if err != nil {
		log.Printf("Error: %v", err)
		return
	}
	for _, l := range lines {
		s.print("%s", l)
	}
}

// PrintWatches prints the watched rows that changed since the last snapshot
func (s *DebugState) PrintWatches(snap *Snapshot) {
	for _, view := range s.watches {
		lines, err := renderView(view, snap)
		if err != nil {
			continue
		}
		for i, l := range lines {
			key := fmt.Sprintf("%s/%d", view, i)
			if s.prevValues[key] == l {
				continue
			}
			s.prevValues[key] = l
			s.print("%s%s%s", ansiYellow, l, ansiReset)
		}
	}
}

// parseConsoleCommand turns operator commands into the same commands MQTT delivers
func parseConsoleCommand(parts []string) (Command, error) {
	switch parts[0] {
	case "bal":
		if len(parts) != 2 {
			return Command{}, fmt.Errorf("usage: bal <init|enable|disable|allow|forbid>")
		}
		req, ok := balancing.ParseRequest(parts[1])
		if !ok {
			return Command{}, fmt.Errorf("unknown balancing request %q", parts[1])
		}
		return Command{Kind: CommandBalancingRequest, Request: req}, nil

	case "threshold":
		if len(parts) != 2 {
			return Command{}, fmt.Errorf("usage: threshold <mV>")
		}
		mV, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil || mV < 0 || mV > int64(balancing.MaxThreshold_mV) {
			return Command{}, fmt.Errorf("invalid threshold %q (0 to %d mV)", parts[1], balancing.MaxThreshold_mV)
		}
		return Command{Kind: CommandBalancingThreshold, Threshold_mV: int32(mV)}, nil

	case "soc":
		if len(parts) != 5 {
			return Command{}, fmt.Errorf("usage: soc <string> <min %%> <max %%> <avg %%>")
		}
		s, err := strconv.Atoi(parts[1])
		if err != nil || s < 0 || s >= battery.NrOfStrings {
			return Command{}, fmt.Errorf("invalid string %q", parts[1])
		}
		var v [3]float64
		for i := range v {
			v[i], err = strconv.ParseFloat(parts[2+i], 64)
			if err != nil || math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
				return Command{}, fmt.Errorf("invalid percentage %q", parts[2+i])
			}
		}
		return Command{Kind: CommandSetSoc, Soc: SocOverride{String: s, Minimum: v[0], Maximum: v[1], Average: v[2]}}, nil
	}
	return Command{}, fmt.Errorf("unknown command: %s (try 'help')", parts[0])
}

// handleDebugCommand processes a debug command
func handleDebugCommand(ctx context.Context, cmd string, state *DebugState, commandChan chan<- Command) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "show":
		if len(parts) != 2 {
			log.Printf("Usage: show <%s>", strings.Join(views, "|"))
			return
		}
		state.Show(parts[1])

	case "watch":
		if len(parts) != 2 {
			log.Printf("Usage: watch <%s>", strings.Join(views, "|"))
			return
		}
		state.AddWatch(parts[1])

	case "unwatch":
		if len(parts) != 2 {
			log.Println("Usage: unwatch <view> | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.RemoveAll()
			return
		}
		state.RemoveWatch(parts[1])

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  show <view>                      - Print soc, soe, sof, bal, minmax or pack")
		fmt.Println("  watch <view>                     - Print a view whenever it changes")
		fmt.Println("  unwatch <view> | unwatch --all   - Stop watching")
		fmt.Println("  bal <request>                    - init, enable, disable, allow or forbid")
		fmt.Println("  threshold <mV>                   - Override the balancing threshold")
		fmt.Println("  soc <string> <min> <max> <avg>   - Set the state of charge of a string")
		fmt.Println("  help                             - Show this help")

	default:
		c, err := parseConsoleCommand(parts)
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		select {
		case commandChan <- c:
		case <-ctx.Done():
		}
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	bmsctlCache := filepath.Join(cacheDir, "bmsctl")
	_ = os.MkdirAll(bmsctlCache, 0750)
	return filepath.Join(bmsctlCache, "debug_history")
}

// debugWorker provides an interactive console over the published snapshots
func debugWorker(ctx context.Context, cancel context.CancelFunc, dataChan <-chan Snapshot, commandChan chan<- Command) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "bms> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Debug worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
	}()

	// Redirect log output through readline-aware writer
	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Println("Debug worker started (type 'help' for commands)")

	lineChan := make(chan string, 10)
	state := NewDebugState()
	state.SetReadline(rl)

	go readlineLoop(ctx, cancel, rl, lineChan)

	for {
		select {
		case line := <-lineChan:
			handleDebugCommand(ctx, line, state, commandChan)
		case snap := <-dataChan:
			state.UpdateData(snap)
			state.PrintWatches(&snap)
		case <-ctx.Done():
			log.Println("Debug worker stopped")
			return
		}
	}
}
