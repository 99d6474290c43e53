package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"junoloop/internal/domain"
	"junoloop/internal/evaluation"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedSupervisor struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "supervisor base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start the supervisor in the same monitor process lifecycle")
	supervisorBinary := flag.String("supervisor-bin", "", "path to junod binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded supervisor")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedSupervisor
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedSupervisor(*addr, *supervisorBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded supervisor: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()

	metricsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(false, false)
	metricsTable.SetTitle("Task Outcomes (F5 refresh, F8 run cycle, F10 quit)").SetBorder(true)

	stateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stateView.SetTitle("Run State").SetBorder(true)

	issuesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	issuesView.SetTitle("Issues").SetBorder(true)

	fixesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	fixesView.SetTitle("Fixes").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	reportView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	reportView.SetTitle("Evaluation").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Task -> Supervisor: ")
	promptInput.SetBorder(true).SetTitle("Enter = queue task")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, F8 run cycle, Ctrl+L focus prompt",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(issuesView, 0, 1, false).
		AddItem(fixesView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stateView, 9, 0, false).
		AddItem(rightTop, 0, 2, false).
		AddItem(reportView, 10, 0, false)

	mainLayout := tview.NewFlex().
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(metricsTable, 0, 2, false).
			AddItem(decisionsView, 0, 1, false), 0, 1, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		state, stateErr := c.getState()
		metrics, metricsErr := c.listMetrics(100)
		issues, issuesErr := c.listIssues(50)
		fixes, fixesErr := c.listFixes(50)
		decisions, decisionsErr := c.listDecisions(100)
		report, reportErr := c.getReport()

		app.QueueUpdateDraw(func() {
			if stateErr != nil {
				stateView.SetText(fmt.Sprintf("error: %v", stateErr))
			} else {
				stateView.SetText(renderState(state))
			}
			if metricsErr != nil {
				metricsTable.Clear()
				metricsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", metricsErr)))
			} else {
				renderMetricsTable(metricsTable, metrics)
			}
			if issuesErr != nil {
				issuesView.SetText(fmt.Sprintf("error: %v", issuesErr))
			} else {
				issuesView.SetText(renderIssues(issues))
			}
			if fixesErr != nil {
				fixesView.SetText(fmt.Sprintf("error: %v", fixesErr))
			} else {
				fixesView.SetText(renderFixes(fixes))
			}
			if decisionsErr != nil {
				decisionsView.SetText(fmt.Sprintf("error: %v", decisionsErr))
			} else {
				decisionsView.SetText(renderDecisions(decisions))
			}
			if reportErr != nil {
				reportView.SetText(fmt.Sprintf("error: %v", reportErr))
			} else {
				reportView.SetText(renderReport(report))
			}
		})
	}

	runOneCycle := func() {
		setStatusUI("Running one cycle...")
		go func() {
			out, err := c.runCycles(1)
			if err != nil {
				setStatusAsync("Cycle failed: " + err.Error())
				return
			}
			refresh()
			setStatusAsync(fmt.Sprintf("Cycle %d complete, phase=%s", out.CycleCount, out.Phase))
		}()
	}

	submitPrompt := func(content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		setStatusUI("Queueing task...")
		promptInput.SetText("")
		go func(input string) {
			if err := c.submitTask(input); err != nil {
				setStatusAsync("Failed to queue task: " + err.Error())
				return
			}
			refresh()
			setStatusAsync("Task queued: " + trimLine(input, 64))
		}(content)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyF8:
			runOneCycle()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedSupervisor(addr string, supervisorBinary string, dbPath string) (*embeddedSupervisor, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(supervisorBinary) != "" {
		cmd = exec.Command(supervisorBinary, "--addr", addrArg, "--db", dbPath)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "junod")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/junod", "--addr", addrArg, "--db", dbPath)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start supervisor process: %w", err)
	}

	return &embeddedSupervisor{cmd: cmd}, nil
}

func (e *embeddedSupervisor) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderState(out domain.RunOutput) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("cycle=%d phase=%s\n", out.CycleCount, out.Phase))
	if out.CurrentTask != "" {
		b.WriteString("current: " + trimLine(out.CurrentTask, 60) + "\n")
	}

	teams := make([]string, 0, len(out.AgentCounts))
	for t := range out.AgentCounts {
		teams = append(teams, string(t))
	}
	sort.Strings(teams)
	for _, t := range teams {
		b.WriteString(fmt.Sprintf("%-10s agents=%d\n", t, out.AgentCounts[domain.TeamID(t)]))
	}
	if out.ResearchResult != "" {
		b.WriteString("research: " + trimLine(out.ResearchResult, 60) + "\n")
	}
	if out.WritingResult != "" {
		b.WriteString("writing:  " + trimLine(out.WritingResult, 60) + "\n")
	}
	if out.JunoResult != "" {
		b.WriteString("juno:     " + trimLine(out.JunoResult, 60) + "\n")
	}
	return b.String()
}

func renderMetricsTable(table *tview.Table, metrics []domain.TaskOutcome) {
	table.Clear()
	headers := []string{"Time", "Cycle", "Team", "Quality", "Deadline", "Size", "Elapsed"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, m := range metrics {
		row := i + 1
		deadline := "met"
		if !m.DeadlineMet {
			deadline = "missed"
		}
		if m.Failed {
			deadline = "failed"
		}
		table.SetCell(row, 0, tview.NewTableCell(m.RecordedAt.Format("15:04:05")))
		table.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("%d", m.Cycle)))
		table.SetCell(row, 2, tview.NewTableCell(string(m.Team)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%.2f", m.Quality)))
		table.SetCell(row, 4, tview.NewTableCell(deadline))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%.2f", m.SizeMultiplier)))
		table.SetCell(row, 6, tview.NewTableCell(m.Elapsed.Truncate(time.Millisecond).String()))
	}
}

func renderIssues(items []domain.IssueRecord) string {
	if len(items) == 0 {
		return "No issues"
	}
	var b strings.Builder
	for _, issue := range items {
		team := string(issue.Team)
		if team == "" {
			team = "-"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s team=%s\n  %s\n",
			issue.CreatedAt.Format("15:04:05"),
			issue.Kind,
			team,
			trimLine(issue.Evidence, 80),
		))
	}
	return b.String()
}

func renderFixes(items []domain.FixRecord) string {
	if len(items) == 0 {
		return "No fixes"
	}
	var b strings.Builder
	for _, fix := range items {
		status := "held"
		if fix.Applied {
			status = "applied"
		}
		if fix.Verified {
			status = "verified"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s issue=%s\n  %s\n",
			fix.CreatedAt.Format("15:04:05"),
			status,
			shortID(fix.IssueID),
			trimLine(fix.Description, 80),
		))
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] cycle=%d %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Cycle,
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderReport(r evaluation.Report) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(
		"overall=%.3f success=%.3f quality=%.3f deadlines=%.3f\n",
		r.OverallScore, r.SuccessRate, r.AvgQuality, r.DeadlineMetRate,
	))
	b.WriteString(fmt.Sprintf(
		"tasks=%d issues=%d fixes applied=%d verified=%d\n",
		r.TasksCompleted, r.IssuesRaised, r.FixesApplied, r.FixesVerified,
	))
	for _, target := range r.Targets {
		mark := "miss"
		if target.Achieved {
			mark = "ok"
		}
		b.WriteString(fmt.Sprintf(
			"%-20s target=%.2f actual=%.3f %s\n",
			target.Name, target.Target, target.Actual, mark,
		))
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func (c *client) getState() (domain.RunOutput, error) {
	var out domain.RunOutput
	if err := c.getJSON("/state", &out); err != nil {
		return domain.RunOutput{}, err
	}
	return out, nil
}

func (c *client) getReport() (evaluation.Report, error) {
	var out evaluation.Report
	if err := c.getJSON("/report", &out); err != nil {
		return evaluation.Report{}, err
	}
	return out, nil
}

func (c *client) listMetrics(limit int) ([]domain.TaskOutcome, error) {
	var out []domain.TaskOutcome
	if err := c.getJSON(fmt.Sprintf("/metrics?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listIssues(limit int) ([]domain.IssueRecord, error) {
	var out []domain.IssueRecord
	if err := c.getJSON(fmt.Sprintf("/issues?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listFixes(limit int) ([]domain.FixRecord, error) {
	var out []domain.FixRecord
	if err := c.getJSON(fmt.Sprintf("/fixes?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listDecisions(limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/decisions?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) runCycles(n int) (domain.RunOutput, error) {
	var out domain.RunOutput
	if err := c.postJSON("/run", map[string]any{"cycles": n}, &out); err != nil {
		return domain.RunOutput{}, err
	}
	return out, nil
}

func (c *client) submitTask(content string) error {
	return c.postJSON("/tasks", map[string]any{"content": content}, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
