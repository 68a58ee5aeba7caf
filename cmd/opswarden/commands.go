package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// printer writes either human tables or raw JSON.
type printer struct {
	w    io.Writer
	json bool
}

func (p *printer) linef(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) raw(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) rule(width int) {
	fmt.Fprintln(p.w, strings.Repeat("─", width))
}

func runActions(c *apiClient, p *printer) error {
	var result map[string]interface{}
	if err := c.get("/api/actions", nil, &result); err != nil {
		return err
	}
	if p.json {
		return p.raw(result)
	}
	actions, _ := result["actions"].([]interface{})
	if len(actions) == 0 {
		p.linef("No actions registered.")
		return nil
	}
	p.linef("%-22s %-10s %-7s %-9s %s", "ACTION", "BACKEND", "RISK", "APPROVAL", "PARAMETERS")
	p.rule(90)
	for _, a := range actions {
		m := a.(map[string]interface{})
		var params []string
		if ps, ok := m["parameters"].([]interface{}); ok {
			for _, raw := range ps {
				pm := raw.(map[string]interface{})
				name := str(pm["name"]) + ":" + str(pm["type"])
				if pm["required"] == true {
					name += "*"
				}
				params = append(params, name)
			}
		}
		approval := ""
		if m["requires_approval"] == true {
			approval = "yes"
		}
		p.linef("%-22v %-10v %-7v %-9s %s", m["name"], m["backend"], m["risk_tier"], approval, strings.Join(params, " "))
	}
	return nil
}

func runProposalsList(c *apiClient, p *printer, status, actionName string, limit int, pending bool) error {
	var result map[string]interface{}
	var err error
	if pending {
		err = c.get("/api/proposals/pending", nil, &result)
	} else {
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if actionName != "" {
			q.Set("action", actionName)
		}
		q.Set("limit", strconv.Itoa(limit))
		err = c.get("/api/proposals", q, &result)
	}
	if err != nil {
		return err
	}
	if p.json {
		return p.raw(result)
	}

	proposals, _ := result["proposals"].([]interface{})
	if len(proposals) == 0 {
		p.linef("No proposals found.")
		return nil
	}
	p.linef("%-28s %-22s %-11s %-8s %s", "ID", "ACTION", "STATUS", "APPROVE", "PROPOSED")
	p.rule(95)
	for _, raw := range proposals {
		m := raw.(map[string]interface{})
		approve := ""
		if m["requires_approval"] == true {
			approve = "pending"
			if m["approved_by"] != nil {
				approve = "done"
			}
		}
		p.linef("%-28v %-22v %-11v %-8s %s", m["id"], m["action_name"], m["status"], approve, ago(str(m["proposed_at"])))
	}
	p.linef("\n%v total", result["total"])
	return nil
}

func runProposalsCreate(c *apiClient, p *printer, req map[string]interface{}) error {
	var result map[string]interface{}
	if err := c.post("/api/proposals", req, &result); err != nil {
		return err
	}
	if p.json {
		return p.raw(result)
	}
	p.linef("✓ Proposed %v (%v)", result["id"], result["action_name"])
	if result["requires_approval"] == true {
		p.linef("  ⚠ requires approval before it can execute")
	}
	return nil
}

func runProposalsShow(c *apiClient, p *printer, id string) error {
	var view map[string]interface{}
	if err := c.get("/api/proposals/"+url.PathEscape(id), nil, &view); err != nil {
		return err
	}
	if p.json {
		return p.raw(view)
	}

	prop, _ := view["proposal"].(map[string]interface{})
	p.linef("Proposal %v", prop["id"])
	p.linef("  Action:    %v", prop["action_name"])
	p.linef("  Status:    %v", prop["status"])
	if view["in_flight"] == true {
		p.linef("  In flight: yes (the kill switch does not interrupt a running backend call)")
	}
	if params, err := json.Marshal(prop["parameters"]); err == nil {
		p.linef("  Params:    %s", params)
	}
	if r := str(prop["rationale"]); r != "" {
		p.linef("  Rationale: %s", r)
	}
	if prop["requires_approval"] == true {
		p.linef("  Approval:  required, approved by %q", str(prop["approved_by"]))
	}
	if prop["dry_run"] == true {
		p.linef("  Dry run:   yes")
	}

	if records, _ := view["records"].([]interface{}); len(records) > 0 {
		p.linef("\nRecords:")
		for _, raw := range records {
			r := raw.(map[string]interface{})
			mark := "✓"
			if r["success"] != true {
				mark = "✗"
			}
			extra := ""
			if r["dry_run"] == true {
				extra = " (dry run)"
			}
			if r["timeout"] == true {
				extra += " (timeout)"
			}
			p.linef("  %s %v %vms%s %s", mark, r["id"], r["duration_ms"], extra, truncate(str(r["message"]), 80))
		}
	}

	if events, _ := view["events"].([]interface{}); len(events) > 0 {
		p.linef("\nAudit trail:")
		for _, raw := range events {
			e := raw.(map[string]interface{})
			p.linef("  #%-5v %-12v %v", e["seq"], e["event_type"], e["timestamp"])
		}
	}
	return nil
}

func runProposalsExecute(c *apiClient, p *printer, id string, async bool) error {
	path := "/api/proposals/" + url.PathEscape(id) + "/execute"
	if async {
		path += "?async=true"
	}
	var result map[string]interface{}
	err := c.post(path, nil, &result)

	var apiErr *apiError
	if errors.As(err, &apiErr) && result["record"] != nil {
		// The action ran and failed; show the record it left.
		if p.json {
			return p.raw(result)
		}
		rec := result["record"].(map[string]interface{})
		p.linef("✗ %v failed after %vms: %v", id, rec["duration_ms"], rec["message"])
		return apiErr
	}
	if err != nil {
		return err
	}
	if p.json {
		return p.raw(result)
	}
	if async {
		p.linef("✓ Queued %s", id)
		return nil
	}
	if result["dry_run"] == true {
		p.linef("✓ Dry run of %s: %v", id, result["message"])
		return nil
	}
	p.linef("✓ Executed %s in %vms: %v", id, result["duration_ms"], result["message"])
	return nil
}

func runSimplePost(c *apiClient, p *printer, path string, body interface{}, done string) error {
	var result map[string]interface{}
	if err := c.post(path, body, &result); err != nil {
		return err
	}
	if p.json {
		return p.raw(result)
	}
	p.linef("✓ %s", done)
	return nil
}

func runKill(c *apiClient, p *printer, reason string) error {
	var result map[string]interface{}
	err := c.post("/api/kill", map[string]string{"reason": reason, "source": "cli"}, &result)
	if p.json && result != nil {
		_ = p.raw(result)
		return err
	}
	if result != nil && result["mode"] != nil {
		p.linef("■ Kill switch triggered: mode %v, %v pending proposals cancelled", result["mode"], result["cancelled"])
	}
	return err
}

func runModeGet(c *apiClient, p *printer) error {
	var status map[string]interface{}
	if err := c.get("/api/mode", nil, &status); err != nil {
		return err
	}
	if p.json {
		return p.raw(status)
	}
	p.linef("Mode:        %v", status["mode"])
	p.linef("Kill count:  %v", status["kill_count"])
	if last, ok := status["last_kill"].(map[string]interface{}); ok {
		p.linef("Last kill:   %v by %v (%v)", last["timestamp"], last["source"], last["reason"])
	}
	if kf := str(status["kill_file"]); kf != "" {
		present := "absent"
		if status["kill_file_present"] == true {
			present = "PRESENT"
		}
		p.linef("Kill file:   %s (%s)", kf, present)
	}
	return nil
}

func runModeSet(c *apiClient, p *printer, mode string) error {
	var status map[string]interface{}
	if err := c.put("/api/mode", map[string]string{"mode": mode, "source": "cli"}, &status); err != nil {
		return err
	}
	if p.json {
		return p.raw(status)
	}
	p.linef("✓ Mode is now %v", status["mode"])
	return nil
}

func runAuditList(c *apiClient, p *printer, proposalID, eventType string, limit int) error {
	q := url.Values{}
	if proposalID != "" {
		q.Set("proposal_id", proposalID)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	q.Set("limit", strconv.Itoa(limit))

	var result map[string]interface{}
	if err := c.get("/api/audit", q, &result); err != nil {
		return err
	}
	if p.json {
		return p.raw(result)
	}
	events, _ := result["events"].([]interface{})
	if len(events) == 0 {
		p.linef("No audit events.")
		return nil
	}
	p.linef("%-6s %-12s %-28s %s", "SEQ", "TYPE", "PROPOSAL", "WHEN")
	p.rule(70)
	for _, raw := range events {
		e := raw.(map[string]interface{})
		p.linef("%-6v %-12v %-28v %s", e["seq"], e["event_type"], str(e["proposal_id"]), ago(str(e["timestamp"])))
	}
	return nil
}

func runAuditVerify(c *apiClient, p *printer) error {
	var result map[string]interface{}
	if err := c.get("/api/audit/verify", nil, &result); err != nil {
		return err
	}
	if p.json {
		return p.raw(result)
	}
	if result["valid"] == true {
		p.linef("✓ Audit chain intact (%v events)", result["checked"])
		return nil
	}
	p.linef("✗ Audit chain broken at seq %v (event %v)", result["broken_at_seq"], result["broken_at_id"])
	return fmt.Errorf("audit chain verification failed")
}

func ago(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02 15:04")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
