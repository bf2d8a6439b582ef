package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/stream"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/tooldispatch"
	"github.com/wangrenren611/coding-agent-sub001/internal/interfaces/agentcli"
	"golang.org/x/term"
)

// ─── ANSI Helpers ───

const (
	reset    = "\033[0m"
	bold     = "\033[1m"
	dim      = "\033[2m"
	italic   = "\033[3m"
	cyan     = "\033[96m"
	cyanBold = "\033[96m\033[1m"
	green    = "\033[92m"
	yellow   = "\033[93m"
	red      = "\033[91m"
	redBold  = "\033[91m\033[1m"
	dimText  = "\033[90m"
	white    = "\033[97m"
	clearLn  = "\033[2K\r"
)

// Braille spinner frames (Gemini CLI style)
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// REPLConfig holds CLI runtime config
type REPLConfig struct {
	Model      string
	Workspace  string
	ToolCount  int
	NoApprove  bool
	InitPrompt string
}

// RunREPL starts the interactive REPL loop, driving ctrl — a Controller
// already wired to one agentloop.Loop + session.Session (built via
// application.App.NewAgentSession) — instead of constructing its own agent
// machinery.
func RunREPL(ctrl *agentcli.Controller, cfg REPLConfig) error {
	w := termWidth()
	banner := RenderBanner(BannerInfo{
		Model:      cfg.Model,
		ToolCount:  cfg.ToolCount,
		Workspace:  cfg.Workspace,
		ProjectLng: DetectProjectLanguage(cfg.Workspace),
	}, w)
	fmt.Println(banner)

	// Readline for proper line editing (backspace, arrows, history)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\001\033[1;36m\002❯\001\033[0m\002 ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	rs := &renderState{spinner: newSpinner(), width: w}
	ctrl.Subscribe(rs.onEvent)

	// Handle SIGTERM for clean exit (Ctrl+C at the prompt arrives as readline.ErrInterrupt)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Printf("\n%s👋 再见%s\n", dimText, reset)
		rl.Close()
		os.Exit(0)
	}()

	// If initial prompt provided, run it first
	if cfg.InitPrompt != "" {
		runAgent(ctrl, rs, cfg.InitPrompt)
	}

	// REPL loop
	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				fmt.Printf("%s👋 再见%s\n", dimText, reset)
				return nil
			}
			if err == io.EOF {
				fmt.Printf("\n%s👋 再见%s\n", dimText, reset)
				return nil
			}
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		// Slash command
		if cmd := ParseSlashCommand(input); cmd != nil {
			result := ExecuteCommand(cmd, cfg.Model, cfg.ToolCount)
			if result.IsQuit {
				fmt.Printf("%s👋 再见%s\n", dimText, reset)
				return nil
			}
			if result.Output != "" {
				fmt.Println(result.Output)
			}
			continue
		}

		// Agent query
		runAgent(ctrl, rs, input)
	}
}

// ─── Agent Execution ───

// renderState accumulates one query's worth of terminal output across the
// agentloop.Event stream a Controller.Subscribe observer receives. One
// instance is reused across every query in a REPL session; reset() clears it
// before each new query starts.
type renderState struct {
	spinner   *asyncSpinner
	width     int
	textBuf   strings.Builder
	stepCount int
}

func (rs *renderState) reset() {
	rs.textBuf.Reset()
	rs.stepCount = 0
}

func (rs *renderState) onEvent(ev agentloop.Event) {
	switch {
	case ev.Err != nil:
		rs.spinner.Stop()
		fmt.Printf("\n%s✗ %s%s\n", redBold, ev.Err.Error(), reset)

	case ev.ToolResult != nil:
		rs.spinner.Stop()
		printToolFooter(ev.ToolResult, rs.width)

	case ev.StreamEvt != nil:
		rs.onStreamEvent(ev.StreamEvt)

	case ev.Status == agentloop.StatusThinking:
		if ev.Step > rs.stepCount {
			rs.stepCount = ev.Step
		}
		rs.spinner.Update("thinking...")
	}
}

func (rs *renderState) onStreamEvent(se *stream.Event) {
	switch se.Type {
	case stream.EventTextDelta:
		rs.spinner.Stop()
		fmt.Print(se.Delta)
		rs.textBuf.WriteString(se.Delta)

	case stream.EventReasoningDelta:
		if se.Delta != "" {
			rs.spinner.Update(fmt.Sprintf("thinking: %s", firstLine(se.Delta, 50)))
		} else {
			rs.spinner.Update("thinking...")
		}

	case stream.EventToolCallCreated:
		rs.spinner.Stop()
		if se.ToolCall != nil {
			printToolHeader(se.ToolCall, rs.width)
			rs.spinner.Update(fmt.Sprintf("%s running...", se.ToolCall.Function.Name))
		}
	}
}

func runAgent(ctrl *agentcli.Controller, rs *renderState, userMessage string) {
	rs.reset()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	interrupted := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			ctrl.Abort()
			fmt.Printf("\n%s⏹ 已中断%s\n", yellow, reset)
		case <-interrupted:
		}
	}()

	result, err := ctrl.ExecuteWithResult(userMessage)
	close(interrupted)
	signal.Stop(sigCh)
	rs.spinner.Stop()

	if err != nil {
		fmt.Printf("\n%s✗ %s%s\n", redBold, err.Error(), reset)
		return
	}

	// Ensure trailing newline
	if rs.textBuf.Len() > 0 && !strings.HasSuffix(rs.textBuf.String(), "\n") {
		fmt.Println()
	}

	fmt.Printf("\n%s─── %d loops · %s ───%s\n",
		dimText, result.Loops, strings.ToLower(string(result.Status)), reset)
}

// ─── Tool Display (Gemini CLI style) ───

// printToolHeader renders: ╭─ ⊷ tool_name description ──────
func printToolHeader(tc *session.ToolCall, width int) {
	if tc == nil {
		return
	}
	icon := toolIcon(tc.Function.Name)
	args := summarizeToolArgs(tc.Function.Arguments)

	label := fmt.Sprintf(" %s %s %s ", icon, tc.Function.Name, args)
	lineW := width - len([]rune(label)) - 2
	if lineW < 3 {
		lineW = 3
	}
	line := strings.Repeat("─", lineW)

	fmt.Printf("\n%s╭─%s%s%s%s%s%s%s\n",
		dimText, reset,
		yellow, icon, reset,
		" "+cyanBold+tc.Function.Name+reset+" "+dimText+args,
		" "+dimText+line,
		reset)
}

// printToolFooter renders: ╰─ ✓ tool_name (duration) ──────
func printToolFooter(ev *tooldispatch.ResultEvent, width int) {
	if ev == nil {
		return
	}

	var statusIcon, statusColor string
	if ev.Outcome.Success {
		statusIcon = "✓"
		statusColor = green
	} else {
		statusIcon = "✗"
		statusColor = red
	}

	dur := ""
	if ev.Duration > 0 {
		dur = fmt.Sprintf(" %s(%s)%s", dimText, fmtDur(ev.Duration), reset)
	}

	label := fmt.Sprintf(" %s %s%s ", statusIcon, ev.Name, dur)
	lineW := width - len([]rune(label)) - 2
	if lineW < 3 {
		lineW = 3
	}
	line := strings.Repeat("─", lineW)

	fmt.Printf("%s╰─%s %s%s%s %s%s%s %s\n",
		dimText, reset,
		statusColor, statusIcon, reset,
		dimText, ev.Name, reset,
		dur+dimText+line+reset)
}

// printPlan renders a plan proposal in a box
func printPlan(content string, width int) {
	boxW := width - 4
	if boxW < 20 {
		boxW = 20
	}
	topLine := "╭─ 📋 Plan " + strings.Repeat("─", boxW-12) + "╮"
	botLine := "╰" + strings.Repeat("─", boxW) + "╯"

	fmt.Printf("\n%s%s%s\n", cyanBold, topLine, reset)

	for _, line := range strings.Split(content, "\n") {
		// Truncate if needed
		if len([]rune(line)) > boxW-4 {
			line = string([]rune(line)[:boxW-7]) + "..."
		}
		pad := boxW - 2 - len([]rune(line))
		if pad < 0 {
			pad = 0
		}
		fmt.Printf("%s│%s %s%s%s│%s\n",
			dimText, reset,
			line, strings.Repeat(" ", pad),
			dimText, reset)
	}

	fmt.Printf("%s%s%s\n", dimText, botLine, reset)
}

func toolIcon(name string) string {
	icons := map[string]string{
		"bash":       "$",
		"read_file":  "→",
		"write_file": "←",
		"list_dir":   "→",
		"search":     "✱",
	}
	if icon, ok := icons[name]; ok {
		return icon
	}
	return "⚙"
}

// summarizeToolArgs decodes a tool call's JSON argument string and picks
// the most informative field to show inline in the tool header.
func summarizeToolArgs(argsJSON string) string {
	if argsJSON == "" {
		return ""
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || len(args) == 0 {
		return ""
	}
	priority := []string{"command", "file_path", "path", "query", "pattern"}
	for _, key := range priority {
		if v, ok := args[key]; ok {
			s := fmt.Sprintf("%v", v)
			if len(s) > 60 {
				s = s[:60] + "…"
			}
			return s
		}
	}
	for _, v := range args {
		s := fmt.Sprintf("%v", v)
		if len(s) > 60 {
			s = s[:60] + "…"
		}
		return s
	}
	return ""
}

// ─── Braille Spinner ───

type asyncSpinner struct {
	mu      sync.Mutex
	running bool
	msg     string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSpinner() *asyncSpinner {
	return &asyncSpinner{}
}

func (s *asyncSpinner) Update(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msg = msg
	if !s.running {
		s.running = true
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.run()
	}
}

func (s *asyncSpinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	fmt.Print(clearLn) // Clear spinner line
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)

	frame := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.msg
			s.mu.Unlock()

			f := spinnerFrames[frame%len(spinnerFrames)]
			fmt.Printf("%s%s%s %s%s%s", clearLn, cyanBold, f, dimText, msg, reset)
			frame++
		}
	}
}

// ─── Helpers ───

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func firstLine(s string, maxLen int) string {
	first := strings.SplitN(s, "\n", 2)[0]
	r := []rune(first)
	if len(r) > maxLen {
		return string(r[:maxLen]) + "…"
	}
	return first
}

func fmtTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000.0)
	}
	return fmt.Sprintf("%d", n)
}

func fmtDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
